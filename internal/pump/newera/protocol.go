package newera

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Basic-mode RS-232 framing: commands are "<addr><cmd>\r", replies are
// "<STX><addr><status>[<data>]<ETX>".
const (
	stx = 0x02
	etx = 0x03
	cr  = '\r'
)

// statusText maps the status character to the pump manual's wording.
var statusText = map[byte]string{
	'I': "dispensing",
	'W': "withdrawing",
	'S': "stopped",
	'P': "paused",
	'T': "timed pause phase",
	'U': "operational trigger wait",
	'X': "purging",
}

var alarmText = map[string]string{
	"R": "pump was reset due to power interrupt",
	"S": "pump motor is stalled",
	"T": "safe mode communication time out",
	"E": "pumping program error",
	"O": "pumping program phase out of range",
}

var commErrorText = map[string]string{
	"":    "command is not recognized",
	"NA":  "command is not currently applicable",
	"OOR": "command data is out of range",
	"COM": "invalid communications packet received",
	"IGN": "command ignored due to new phase start",
}

// reply is one decoded response packet.
type reply struct {
	Address int
	Status  byte // one of statusText keys; 0 when Alarm is set
	Alarm   bool
	Data    string
}

func (r reply) running() bool { return r.Status == 'I' || r.Status == 'W' }

// commError returns the code of a "?"-prefixed data field.
func (r reply) commError() (string, bool) {
	if strings.HasPrefix(r.Data, "?") {
		return r.Data[1:], true
	}
	return "", false
}

func encodeCommand(address int, cmd string) []byte {
	return []byte(fmt.Sprintf("%02d%s%c", address, cmd, cr))
}

// parseReply decodes a packet. Leading noise before STX is skipped.
func parseReply(b []byte) (reply, error) {
	start := bytes.IndexByte(b, stx)
	end := bytes.LastIndexByte(b, etx)
	if start < 0 || end <= start {
		return reply{}, fmt.Errorf("malformed packet %q", b)
	}
	body := b[start+1 : end]

	i := 0
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		i++
	}
	if i == 0 || i == len(body) {
		return reply{}, fmt.Errorf("malformed packet %q", b)
	}
	addr, err := strconv.Atoi(string(body[:i]))
	if err != nil {
		return reply{}, fmt.Errorf("malformed address in %q", b)
	}

	r := reply{Address: addr}
	rest := body[i:]
	if bytes.HasPrefix(rest, []byte("A?")) {
		r.Alarm = true
		r.Data = string(rest[2:])
		return r, nil
	}
	if _, ok := statusText[rest[0]]; !ok {
		return reply{}, fmt.Errorf("unknown status %q in %q", rest[0], b)
	}
	r.Status = rest[0]
	r.Data = string(rest[1:])
	return r, nil
}

// formatRate renders a rate with at most four digits, which is what the
// pump firmware accepts.
func formatRate(rate float64) string {
	switch {
	case rate >= 1000:
		return strconv.FormatFloat(rate, 'f', 0, 64)
	case rate >= 100:
		return strconv.FormatFloat(rate, 'f', 1, 64)
	case rate >= 10:
		return strconv.FormatFloat(rate, 'f', 2, 64)
	default:
		return strconv.FormatFloat(rate, 'f', 3, 64)
	}
}

// parseRate decodes a RAT query answer such as "3.000MM" into ml/min.
func parseRate(data string) (float64, error) {
	if len(data) < 3 {
		return 0, fmt.Errorf("short rate %q", data)
	}
	v, err := strconv.ParseFloat(data[:len(data)-2], 64)
	if err != nil {
		return 0, fmt.Errorf("rate %q: %w", data, err)
	}
	switch data[len(data)-2:] {
	case "MM":
		return v, nil
	case "MS":
		return v * 60, nil
	case "UM":
		return v / 1000, nil
	case "UH":
		return v / 60000, nil
	case "MH":
		return v / 60, nil
	default:
		return 0, fmt.Errorf("unexpected rate unit in %q", data)
	}
}
