// Package envelope is the single quarantine point for data read from the
// signal service. Every record is checked field by field against its schema
// before it is turned into a domain value.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/Rajchodisetti/signals-engine/internal/domain"
)

// Record kinds, also used as metric labels
const (
	KindSignal = "signal"
	KindEquity = "equity"
	KindHealth = "health"
)

// ValidationError describes why a payload was rejected
type ValidationError struct {
	Kind   string
	Field  string // empty when the payload itself is malformed
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s payload: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s payload: %s %s", e.Kind, e.Field, e.Reason)
}

// object is a decoded JSON object whose values are still raw
type object struct {
	kind   string
	fields map[string]json.RawMessage
}

func parseObject(kind string, data []byte) (*object, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ValidationError{Kind: kind, Reason: "expected a JSON object"}
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &ValidationError{Kind: kind, Reason: err.Error()}
	}
	return &object{kind: kind, fields: fields}, nil
}

func (o *object) fail(field, reason string) error {
	return &ValidationError{Kind: o.kind, Field: field, Reason: reason}
}

// raw returns the field value; absent and null are both reported as missing
func (o *object) raw(field string) (json.RawMessage, bool) {
	v, ok := o.fields[field]
	if !ok {
		return nil, false
	}
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil, false
	}
	return v, true
}

func (o *object) str(field string, required bool) (string, bool, error) {
	v, ok := o.raw(field)
	if !ok {
		if required {
			return "", false, o.fail(field, "is required")
		}
		return "", false, nil
	}
	if v[0] != '"' {
		return "", false, o.fail(field, "must be a string")
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false, o.fail(field, "must be a string")
	}
	return s, true, nil
}

func (o *object) nonEmpty(field string) (string, error) {
	s, _, err := o.str(field, true)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", o.fail(field, "must not be empty")
	}
	return s, nil
}

func (o *object) num(field string, required bool) (float64, bool, error) {
	v, ok := o.raw(field)
	if !ok {
		if required {
			return 0, false, o.fail(field, "is required")
		}
		return 0, false, nil
	}
	if c := v[0]; c != '-' && (c < '0' || c > '9') {
		return 0, false, o.fail(field, "must be a number")
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, false, o.fail(field, "must be a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, o.fail(field, "must be finite")
	}
	return f, true, nil
}

func (o *object) positiveInt(field string) (int64, error) {
	f, _, err := o.num(field, true)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f >= math.MaxInt64 {
		return 0, o.fail(field, "must be an integer")
	}
	if f <= 0 {
		return 0, o.fail(field, "must be positive")
	}
	return int64(f), nil
}

func (o *object) optionalPositive(field string) (*float64, error) {
	f, ok, err := o.num(field, false)
	if err != nil || !ok {
		return nil, err
	}
	if f <= 0 {
		return nil, o.fail(field, "must be positive")
	}
	return &f, nil
}

// ParseSide accepts buy/long and sell/short
func ParseSide(s string) (domain.Side, bool) {
	switch strings.ToLower(s) {
	case "buy", "long":
		return domain.SideBuy, true
	case "sell", "short":
		return domain.SideSell, true
	default:
		return "", false
	}
}

// DecodeSignal validates one signal record
func DecodeSignal(data []byte) (domain.Signal, error) {
	var s domain.Signal
	o, err := parseObject(KindSignal, data)
	if err != nil {
		return s, err
	}
	if s.ID, err = o.nonEmpty("id"); err != nil {
		return s, err
	}
	if s.TS, err = o.positiveInt("ts"); err != nil {
		return s, err
	}
	if s.Pair, err = o.nonEmpty("pair"); err != nil {
		return s, err
	}
	side, _, err := o.str("side", true)
	if err != nil {
		return s, err
	}
	var ok bool
	if s.Side, ok = ParseSide(side); !ok {
		return s, o.fail("side", `must be "buy" or "sell"`)
	}
	if s.Entry, _, err = o.num("entry", true); err != nil {
		return s, err
	}
	if s.Entry <= 0 {
		return s, o.fail("entry", "must be positive")
	}
	if s.SL, err = o.optionalPositive("sl"); err != nil {
		return s, err
	}
	if s.TP, err = o.optionalPositive("tp"); err != nil {
		return s, err
	}
	if s.Strategy, err = o.nonEmpty("strategy"); err != nil {
		return s, err
	}
	if s.Confidence, _, err = o.num("confidence", true); err != nil {
		return s, err
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return s, o.fail("confidence", "must be between 0 and 1")
	}
	mode, _, err := o.str("mode", true)
	if err != nil {
		return s, err
	}
	if s.Mode, err = domain.ParseMode(mode); err != nil {
		return s, o.fail("mode", `must be "paper" or "live"`)
	}
	return s, nil
}

// DecodeEquityPoint validates one equity sample
func DecodeEquityPoint(data []byte) (domain.EquityPoint, error) {
	var p domain.EquityPoint
	o, err := parseObject(KindEquity, data)
	if err != nil {
		return p, err
	}
	if p.TS, err = o.positiveInt("ts"); err != nil {
		return p, err
	}
	if p.Equity, _, err = o.num("equity", true); err != nil {
		return p, err
	}
	if p.DailyPnL, _, err = o.num("daily_pnl", true); err != nil {
		return p, err
	}
	return p, nil
}

// DecodeHealth validates a health check body
func DecodeHealth(data []byte) (domain.HealthCheck, error) {
	var h domain.HealthCheck
	o, err := parseObject(KindHealth, data)
	if err != nil {
		return h, err
	}
	status, _, err := o.str("status", true)
	if err != nil {
		return h, err
	}
	switch domain.HealthStatus(status) {
	case domain.HealthHealthy, domain.HealthDegraded, domain.HealthDown:
		h.Status = domain.HealthStatus(status)
	default:
		return h, o.fail("status", "must be healthy, degraded or down")
	}
	if h.Timestamp, err = o.positiveInt("timestamp"); err != nil {
		return h, err
	}
	if h.Version, _, err = o.str("version", false); err != nil {
		return h, err
	}
	if raw, ok := o.raw("services"); ok {
		svc, err := decodeServices(raw)
		if err != nil {
			return h, err
		}
		h.Services = svc
	}
	for field, dst := range map[string]**float64{"latency_ms": &h.LatencyMs, "uptime_seconds": &h.UptimeSeconds} {
		f, ok, err := o.num(field, false)
		if err != nil {
			return h, err
		}
		if ok {
			if f < 0 {
				return h, o.fail(field, "must not be negative")
			}
			v := f
			*dst = &v
		}
	}
	return h, nil
}

func decodeServices(data []byte) (*domain.ServiceStates, error) {
	o, err := parseObject(KindHealth, data)
	if err != nil {
		return nil, &ValidationError{Kind: KindHealth, Field: "services", Reason: "must be an object"}
	}
	var svc domain.ServiceStates
	for field, dst := range map[string]*string{"redis": &svc.Redis, "api": &svc.API} {
		s, ok, err := o.str(field, false)
		if err != nil {
			return nil, &ValidationError{Kind: KindHealth, Field: "services." + field, Reason: "must be a string"}
		}
		if ok && s != "up" && s != "down" {
			return nil, &ValidationError{Kind: KindHealth, Field: "services." + field, Reason: `must be "up" or "down"`}
		}
		*dst = s
	}
	return &svc, nil
}

func splitArray(kind string, data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, &ValidationError{Kind: kind, Reason: "expected a JSON array"}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, &ValidationError{Kind: kind, Reason: err.Error()}
	}
	return items, nil
}

// DecodeSignals validates a signal array. One bad element rejects the whole
// response, matching the all-or-nothing contract of the history endpoint.
func DecodeSignals(data []byte) ([]domain.Signal, error) {
	items, err := splitArray(KindSignal, data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Signal, 0, len(items))
	for i, raw := range items {
		s, err := DecodeSignal(raw)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// DecodeEquityPoints validates an equity point array, all or nothing
func DecodeEquityPoints(data []byte) ([]domain.EquityPoint, error) {
	items, err := splitArray(KindEquity, data)
	if err != nil {
		return nil, err
	}
	out := make([]domain.EquityPoint, 0, len(items))
	for i, raw := range items {
		p, err := DecodeEquityPoint(raw)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}
