package logging

// Field represents a log field that can be added to a log entry
type Field interface {
	Apply(entry *LogEntry)
}

// fieldFunc wraps a function as a Field
type fieldFunc func(*LogEntry)

func (f fieldFunc) Apply(entry *LogEntry) {
	f(entry)
}

// Common field constructors, trimmed to the gateway's own domain:
// session/venue/symbol replace the teacher's trading-account fields
// (UserID/AccountID/TradeID/OrderID), which had no counterpart once
// the auth/order surfaces were dropped (see DOMAIN STACK).

func RequestID(id string) Field {
	return fieldFunc(func(e *LogEntry) {
		e.RequestID = id
	})
}

func SessionID(id string) Field {
	return fieldFunc(func(e *LogEntry) {
		e.SessionID = id
	})
}

func Venue(venue string) Field {
	return fieldFunc(func(e *LogEntry) {
		e.Venue = venue
	})
}

func Symbol(symbol string) Field {
	return fieldFunc(func(e *LogEntry) {
		e.Symbol = symbol
	})
}

func Component(component string) Field {
	return fieldFunc(func(e *LogEntry) {
		e.Component = component
	})
}

func Duration(ms float64) Field {
	return fieldFunc(func(e *LogEntry) {
		e.Duration = ms
	})
}

func String(key, value string) Field {
	return fieldFunc(func(e *LogEntry) {
		if e.Extra == nil {
			e.Extra = make(map[string]interface{})
		}
		e.Extra[key] = value
	})
}

func Int(key string, value int) Field {
	return fieldFunc(func(e *LogEntry) {
		if e.Extra == nil {
			e.Extra = make(map[string]interface{})
		}
		e.Extra[key] = value
	})
}

func Int64(key string, value int64) Field {
	return fieldFunc(func(e *LogEntry) {
		if e.Extra == nil {
			e.Extra = make(map[string]interface{})
		}
		e.Extra[key] = value
	})
}

func Float64(key string, value float64) Field {
	return fieldFunc(func(e *LogEntry) {
		if e.Extra == nil {
			e.Extra = make(map[string]interface{})
		}
		e.Extra[key] = value
	})
}

func Bool(key string, value bool) Field {
	return fieldFunc(func(e *LogEntry) {
		if e.Extra == nil {
			e.Extra = make(map[string]interface{})
		}
		e.Extra[key] = value
	})
}

func Any(key string, value interface{}) Field {
	return fieldFunc(func(e *LogEntry) {
		if e.Extra == nil {
			e.Extra = make(map[string]interface{})
		}
		e.Extra[key] = value
	})
}
