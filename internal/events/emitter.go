package events

// Emitter fans one record out to the durable log and the in-process bus.
// The append happens first so a record is never observable by subscribers
// before it is durable.
type Emitter struct {
	bus *Bus
	log *Log
}

// NewEmitter wires a bus and a log together. Either may be nil.
func NewEmitter(bus *Bus, log *Log) *Emitter {
	return &Emitter{bus: bus, log: log}
}

// Emit appends the record and then publishes it. A failed append skips the
// publish and returns the error.
func (e *Emitter) Emit(rec Record) error {
	if e.log != nil {
		if err := e.log.Append(rec); err != nil {
			return err
		}
	}
	if e.bus != nil {
		e.bus.Publish(rec)
	}
	return nil
}
