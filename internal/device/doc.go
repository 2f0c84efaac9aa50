// Package device provides the Device: the single object an application
// creates to expose its services to the management platform.
//
// A Device owns and wires the sync core:
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                              Device                              │
//	│                                                                  │
//	│  ┌─────────────┐   ┌──────────────┐   ┌────────────────────┐     │
//	│  │  Container  │◀──│   propsync   │──▶│                    │     │
//	│  │ (services,  │   │   Engine     │   │  session.Manager   │──▶ Transport
//	│  │  locks)     │◀──│              │   │  (reconnect, IDs,  │     │
//	│  │             │   └──────────────┘   │   pendings, outbox)│     │
//	│  │             │   ┌──────────────┐   │                    │     │
//	│  │             │◀──│   command    │──▶│                    │     │
//	│  └─────────────┘   │  Dispatcher  │   └─────────┬──────────┘     │
//	│                    └──────────────┘             │ inbound        │
//	│                           ▲          ┌──────────▼─────────┐      │
//	│                           └──────────│ router (one FIFO   │      │
//	│                                      │ worker per service)│      │
//	│                                      └────────────────────┘      │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Usage
//
//	dev, err := device.New(cfg, transport, codec.JSON{})
//	if err := dev.AddService("smokeDetector", detector); err != nil {
//	    return err
//	}
//	if err := dev.Init(ctx); err != nil {
//	    os.Exit(device.ExitCode(err))
//	}
//	defer dev.Close()
//
//	// after changing detector state:
//	dev.FireChanged("smokeDetector")
package device
