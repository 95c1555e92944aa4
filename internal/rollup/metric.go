package rollup

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// NA is how a metric with a zero denominator is reported.
const NA = "NA"

// Metric is a ratio in [0, 1] or "not applicable".
type Metric struct {
	Value float64
	NA    bool
}

// Ratio returns num/den, or an NA metric when den is zero.
func Ratio(num, den float64) Metric {
	if den == 0 {
		return Metric{NA: true}
	}
	return Metric{Value: num / den}
}

// MarshalJSON writes the ratio as a number or the string "NA".
func (m Metric) MarshalJSON() ([]byte, error) {
	if m.NA {
		return json.Marshal(NA)
	}
	return json.Marshal(m.Value)
}

// UnmarshalJSON accepts a number or "NA".
func (m *Metric) UnmarshalJSON(b []byte) error {
	if strings.HasPrefix(string(b), `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s != NA {
			return eris.Errorf("rollup: invalid metric %q", s)
		}
		*m = Metric{NA: true}
		return nil
	}
	*m = Metric{}
	return json.Unmarshal(b, &m.Value)
}

// Mode selects the denominator of a rollup.
type Mode string

const (
	ModeGrants     Mode = "grants"
	ModePublishers Mode = "publishers"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeGrants, ModePublishers:
		return Mode(s), nil
	default:
		return "", eris.Errorf("rollup: unknown mode %q (valid: grants, publishers)", s)
	}
}
