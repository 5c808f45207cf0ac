package obd

import "time"

// Reading is one decoded value attributed to a connection. Pollers produce
// readings and publishers consume them.
type Reading struct {
	Connection string    `json:"connection"`
	Name       string    `json:"name"`
	Ref        string    `json:"ref"`
	Unit       string    `json:"unit,omitempty"`
	Value      any       `json:"value"`
	Time       time.Time `json:"time"`
}

func NewReading(conn string, r *Response) Reading {
	return Reading{
		Connection: conn,
		Name:       r.Name,
		Ref:        FormatRef(r.Frame.Mode(), r.Frame.PID()),
		Unit:       r.Unit,
		Value:      r.Value,
		Time:       r.Received,
	}
}

// Convert returns a copy with a numeric value expressed in units.
func (r Reading) Convert(units Units) Reading {
	if v, ok := r.Value.(float64); ok {
		r.Value, r.Unit = Convert(v, r.Unit, units)
	}
	return r
}
