package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag identifies an ingress message type. Comparisons on the wire are
// case-insensitive on the tag only; ParseMessage
// normalizes to upper case.
type Tag string

const (
	TagWSOK     Tag = "WSOK"
	TagCONOK    Tag = "CONOK"
	TagCONERR   Tag = "CONERR"
	TagSERVNAME Tag = "SERVNAME"
	TagCLIENTIP Tag = "CLIENTIP"
	TagCONS     Tag = "CONS"
	TagPROBE    Tag = "PROBE"
	TagNOOP     Tag = "NOOP"
	TagSYNC     Tag = "SYNC"
	TagSUBOK    Tag = "SUBOK"
	TagSUBCMD   Tag = "SUBCMD"
	TagCONF     Tag = "CONF"
	TagUNSUB    Tag = "UNSUB"
	TagEOS      Tag = "EOS"
	TagCS       Tag = "CS"
	TagOV       Tag = "OV"
	TagU        Tag = "U"
	TagREQOK    Tag = "REQOK"
	TagREQERR   Tag = "REQERR"
	TagMSGDONE  Tag = "MSGDONE"
	TagMSGFAIL  Tag = "MSGFAIL"
	TagEND      Tag = "END"
	TagLOOP     Tag = "LOOP"
)

// Message is a parsed ingress frame: a Tag plus its typed payload in Data.
type Message struct {
	Tag  Tag
	Data any
}

type (
	WSOKData     struct{}
	CONOKData    struct {
		SessionID    string
		RequestLimit int
		KeepAliveMs  int
		ControlLink  string // "*" means "same host as the session"
	}
	CONERRData struct {
		Code    int
		Message string
	}
	SERVNAMEData struct{ Name string }
	CLIENTIPData struct{ IP string }
	CONSData     struct {
		Bandwidth   float64
		Unlimited   bool
	}
	PROBEData struct{}
	NOOPData  struct{ Message string }
	SYNCData  struct{ Seconds int }
	SUBOKData struct {
		SubscriptionID int
		NItems         int
		NFields        int
	}
	SUBCMDData struct{ SubscriptionID int }
	CONFData   struct {
		SubscriptionID int
		MaxFrequency   float64
		Unlimited      bool
		Filtered       bool
	}
	UNSUBData struct{ SubscriptionID int }
	EOSData   struct {
		SubscriptionID int
		ItemIndex      int
	}
	CSData struct {
		SubscriptionID int
		ItemIndex      int
	}
	OVData struct {
		SubscriptionID int
		ItemIndex      int
		LostCount      int
	}
	UData struct {
		SubscriptionID int
		ItemIndex      int
		RawValues      string // pipe-separated tail, still encoded
	}
	REQOKData  struct{ RequestID int }
	REQERRData struct {
		RequestID int
		Code      int
		Message   string
	}
	MSGDONEData struct {
		Sequence string
		Prog     int
	}
	MSGFAILData struct {
		Sequence string
		Prog     int
		Code     int
		Message  string
	}
	ENDData struct {
		Code    int
		Message string
	}
	LOOPData struct{ DelayMs int }
	// UnknownData carries any tag this core does not recognize, logged
	// and ignored for forward compatibility.
	UnknownData struct {
		Tag    string
		Fields []string
	}
)

var parsers = map[Tag]func([]string) (any, error){
	TagWSOK:     parseWSOK,
	TagCONOK:    parseCONOK,
	TagCONERR:   parseCONERR,
	TagSERVNAME: parseSERVNAME,
	TagCLIENTIP: parseCLIENTIP,
	TagCONS:     parseCONS,
	TagPROBE:    parsePROBE,
	TagNOOP:     parseNOOP,
	TagSYNC:     parseSYNC,
	TagSUBOK:    parseSUBOK,
	TagSUBCMD:   parseSUBCMD,
	TagCONF:     parseCONF,
	TagUNSUB:    parseUNSUB,
	TagEOS:      parseEOS,
	TagCS:       parseCS,
	TagOV:       parseOV,
	TagU:        parseU,
	TagREQOK:    parseREQOK,
	TagREQERR:   parseREQERR,
	TagMSGDONE:  parseMSGDONE,
	TagMSGFAIL:  parseMSGFAIL,
	TagEND:      parseEND,
	TagLOOP:     parseLOOP,
}

// ParseMessage parses a single CRLF-stripped frame into a typed Message.
// The leading tag is matched case-insensitively; an
// unrecognized tag yields UnknownData rather than an error, so the
// session driver can log and ignore it.
func ParseMessage(frame string) (Message, error) {
	parts := strings.Split(frame, ",")
	if len(parts) == 0 || parts[0] == "" {
		return Message{}, fmt.Errorf("empty frame")
	}
	tag := Tag(strings.ToUpper(parts[0]))
	rest := parts[1:]

	parse, ok := parsers[tag]
	if !ok {
		return Message{Tag: tag, Data: UnknownData{Tag: parts[0], Fields: rest}}, nil
	}
	data, err := parse(rest)
	if err != nil {
		return Message{}, fmt.Errorf("parse %s: %w", tag, err)
	}
	return Message{Tag: tag, Data: data}, nil
}

func parseWSOK(_ []string) (any, error) { return WSOKData{}, nil }

func parseCONOK(parts []string) (any, error) {
	if len(parts) < 3 {
		return nil, fmt.Errorf("expected at least 3 arguments, got %d", len(parts))
	}
	var d CONOKData
	var err error
	d.SessionID = parts[0]
	if d.RequestLimit, err = strconv.Atoi(parts[1]); err != nil {
		return nil, fmt.Errorf("invalid request limit %q: %w", parts[1], err)
	}
	if d.KeepAliveMs, err = strconv.Atoi(parts[2]); err != nil {
		return nil, fmt.Errorf("invalid keepalive %q: %w", parts[2], err)
	}
	if len(parts) >= 4 {
		d.ControlLink = parts[3]
	}
	return d, nil
}

func parseCONERR(parts []string) (any, error) {
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(parts))
	}
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid code %q: %w", parts[0], err)
	}
	return CONERRData{Code: code, Message: parts[1]}, nil
}

func parseSERVNAME(parts []string) (any, error) {
	if len(parts) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(parts))
	}
	return SERVNAMEData{Name: parts[0]}, nil
}

func parseCLIENTIP(parts []string) (any, error) {
	if len(parts) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(parts))
	}
	return CLIENTIPData{IP: parts[0]}, nil
}

func parseCONS(parts []string) (any, error) {
	if len(parts) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(parts))
	}
	if parts[0] == "unlimited" {
		return CONSData{Unlimited: true}, nil
	}
	bw, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid bandwidth %q: %w", parts[0], err)
	}
	return CONSData{Bandwidth: bw}, nil
}

func parsePROBE(_ []string) (any, error) { return PROBEData{}, nil }

func parseNOOP(parts []string) (any, error) {
	return NOOPData{Message: strings.Join(parts, ",")}, nil
}

func parseSYNC(parts []string) (any, error) {
	if len(parts) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(parts))
	}
	seconds, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid seconds %q: %w", parts[0], err)
	}
	return SYNCData{Seconds: seconds}, nil
}

func parseSUBOK(parts []string) (any, error) {
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 arguments, got %d", len(parts))
	}
	subID, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid subscription id %q: %w", parts[0], err)
	}
	nItems, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid item count %q: %w", parts[1], err)
	}
	nFields, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid field count %q: %w", parts[2], err)
	}
	return SUBOKData{SubscriptionID: subID, NItems: nItems, NFields: nFields}, nil
}

func parseSUBCMD(parts []string) (any, error) {
	if len(parts) < 1 {
		return nil, fmt.Errorf("expected at least 1 argument, got %d", len(parts))
	}
	subID, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid subscription id %q: %w", parts[0], err)
	}
	return SUBCMDData{SubscriptionID: subID}, nil
}

func parseCONF(parts []string) (any, error) {
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 arguments, got %d", len(parts))
	}
	subID, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid subscription id %q: %w", parts[0], err)
	}
	d := CONFData{SubscriptionID: subID}
	if parts[1] == "unlimited" {
		d.Unlimited = true
	} else if d.MaxFrequency, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return nil, fmt.Errorf("invalid max frequency %q: %w", parts[1], err)
	}
	switch parts[2] {
	case "filtered":
		d.Filtered = true
	case "unfiltered":
		d.Filtered = false
	default:
		return nil, fmt.Errorf("invalid filtering flag %q", parts[2])
	}
	return d, nil
}

func parseUNSUB(parts []string) (any, error) {
	if len(parts) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(parts))
	}
	subID, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid subscription id %q: %w", parts[0], err)
	}
	return UNSUBData{SubscriptionID: subID}, nil
}

func parseEOS(parts []string) (any, error) {
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(parts))
	}
	subID, item, err := parseTwoInts(parts)
	if err != nil {
		return nil, err
	}
	return EOSData{SubscriptionID: subID, ItemIndex: item}, nil
}

func parseCS(parts []string) (any, error) {
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(parts))
	}
	subID, item, err := parseTwoInts(parts)
	if err != nil {
		return nil, err
	}
	return CSData{SubscriptionID: subID, ItemIndex: item}, nil
}

func parseOV(parts []string) (any, error) {
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 arguments, got %d", len(parts))
	}
	subID, item, err := parseTwoInts(parts[:2])
	if err != nil {
		return nil, err
	}
	lost, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid lost count %q: %w", parts[2], err)
	}
	return OVData{SubscriptionID: subID, ItemIndex: item, LostCount: lost}, nil
}

func parseU(parts []string) (any, error) {
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 arguments, got %d", len(parts))
	}
	subID, item, err := parseTwoInts(parts[:2])
	if err != nil {
		return nil, err
	}
	return UData{SubscriptionID: subID, ItemIndex: item, RawValues: parts[2]}, nil
}

func parseTwoInts(parts []string) (int, int, error) {
	a, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid subscription id %q: %w", parts[0], err)
	}
	b, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid item index %q: %w", parts[1], err)
	}
	return a, b, nil
}

func parseREQOK(parts []string) (any, error) {
	if len(parts) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(parts))
	}
	reqID, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid request id %q: %w", parts[0], err)
	}
	return REQOKData{RequestID: reqID}, nil
}

func parseREQERR(parts []string) (any, error) {
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 arguments, got %d", len(parts))
	}
	reqID, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid request id %q: %w", parts[0], err)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid error code %q: %w", parts[1], err)
	}
	return REQERRData{RequestID: reqID, Code: code, Message: parts[2]}, nil
}

func parseMSGDONE(parts []string) (any, error) {
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(parts))
	}
	prog, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid prog %q: %w", parts[1], err)
	}
	return MSGDONEData{Sequence: parts[0], Prog: prog}, nil
}

func parseMSGFAIL(parts []string) (any, error) {
	if len(parts) != 2 && len(parts) != 4 {
		return nil, fmt.Errorf("expected 2 or 4 arguments, got %d", len(parts))
	}
	prog, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid prog %q: %w", parts[1], err)
	}
	d := MSGFAILData{Sequence: parts[0], Prog: prog}
	if len(parts) == 4 {
		if d.Code, err = strconv.Atoi(parts[2]); err != nil {
			return nil, fmt.Errorf("invalid code %q: %w", parts[2], err)
		}
		d.Message = parts[3]
	}
	return d, nil
}

func parseEND(parts []string) (any, error) {
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(parts))
	}
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid code %q: %w", parts[0], err)
	}
	return ENDData{Code: code, Message: parts[1]}, nil
}

func parseLOOP(parts []string) (any, error) {
	if len(parts) != 1 {
		return nil, fmt.Errorf("expected 1 argument, got %d", len(parts))
	}
	delay, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid delay %q: %w", parts[0], err)
	}
	return LOOPData{DelayMs: delay}, nil
}
