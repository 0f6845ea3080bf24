package parser

// EstadosDialect is the device and gateway shape:
//
//	{"timestamp":"...","estados":{"Verde":true,"Amarillo":false,"Rojo":false,"Contador":false}}
//
// The gateway variant adds machine_id and client-computed fields, which are ignored.
type EstadosDialect struct{}

func NewEstadosDialect() *EstadosDialect { return &EstadosDialect{} }

func (d *EstadosDialect) Name() string { return "estados" }

func (d *EstadosDialect) CanParse(doc Document) bool {
	_, ok := doc["estados"]
	return ok
}

func (d *EstadosDialect) Extract(doc Document) (Frame, error) {
	return extractFrame(doc, "estados")
}

// LightsDialect is the dashboard-side shape where each lamp is either a bool or
// an object with a state field:
//
//	{"lights":{"green":{"state":true},"red":false},"counter":true}
//
// A top-level boolean counter is folded into the lines under "counter".
type LightsDialect struct{}

func NewLightsDialect() *LightsDialect { return &LightsDialect{} }

func (d *LightsDialect) Name() string { return "lights" }

func (d *LightsDialect) CanParse(doc Document) bool {
	_, ok := doc["lights"]
	return ok
}

func (d *LightsDialect) Extract(doc Document) (Frame, error) {
	frame, err := extractFrame(doc, "lights")
	if err != nil {
		return Frame{}, err
	}
	if raw, ok := doc["counter"]; ok {
		if v, err := ParseLine(raw); err == nil {
			frame.Lines["counter"] = v
		}
	}
	return frame, nil
}

// SignalsDialect is the canonical internal shape:
//
//	{"machineId":1,"timestamp":"...","signals":{"green":true,"yellow":false,"red":false,"counterPulse":false}}
type SignalsDialect struct{}

func NewSignalsDialect() *SignalsDialect { return &SignalsDialect{} }

func (d *SignalsDialect) Name() string { return "signals" }

func (d *SignalsDialect) CanParse(doc Document) bool {
	_, ok := doc["signals"]
	return ok
}

func (d *SignalsDialect) Extract(doc Document) (Frame, error) {
	return extractFrame(doc, "signals")
}

func extractFrame(doc Document, linesKey string) (Frame, error) {
	id, err := machineIDFrom(doc)
	if err != nil {
		return Frame{}, err
	}
	ts, err := timestampFrom(doc)
	if err != nil {
		return Frame{}, err
	}
	lines, err := parseLines(doc[linesKey])
	if err != nil {
		return Frame{}, err
	}
	return Frame{MachineID: id, Timestamp: ts, Lines: lines}, nil
}
