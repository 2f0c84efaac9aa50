// Package schema provides the declarative description of a device service.
//
// A Schema lists the properties and commands one service exposes to the
// management platform. Every property carries a value type, a writable flag
// and an explicit get/set closure pair; every command carries a parameter
// schema and a handler. The registry is pure metadata: it never touches
// property values itself, it only tells the container how to reach them.
//
// # Lifecycle
//
// A schema is open while the service author registers entries. When the
// service is added to a container the schema is closed and further
// registration fails with ErrSchemaClosed.
//
// # Usage
//
//	s := schema.New()
//	err := s.RegisterProperty(schema.PropertySpec{
//	    Name:     "alarm",
//	    Type:     schema.TypeInteger,
//	    Writable: true,
//	    Get:      func() any { return d.alarm },
//	    Set:      func(v any) error { d.alarm = v.(int64); return nil },
//	})
//
// Values handed to Set and to command handlers have already been passed
// through Coerce, so integer properties always receive int64 and float
// properties always receive float64.
package schema
