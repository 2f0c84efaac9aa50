// Package mqtt implements the session transport over MQTT.
//
// Each Dial opens a dedicated paho client with auto-reconnect disabled;
// the session manager above owns reconnection, backoff and replay. This
// package manages:
//   - Platform credentials (timestamped client ID and HMAC password)
//   - The device topic scheme under $oc/devices/{device_id}/sys
//   - Subscriptions for write requests, queries and commands
//   - Mapping session message kinds to and from topics
//
// # Topics
//
//	$oc/devices/{id}/sys/properties/report                          device → platform
//	$oc/devices/{id}/sys/properties/set/request_id={rid}            platform → device
//	$oc/devices/{id}/sys/properties/set/response/request_id={rid}   device → platform
//	$oc/devices/{id}/sys/properties/get/request_id={rid}            platform → device
//	$oc/devices/{id}/sys/properties/get/response/request_id={rid}   device → platform
//	$oc/devices/{id}/sys/commands/request_id={rid}                  platform → device
//	$oc/devices/{id}/sys/commands/response/request_id={rid}         device → platform
//
// # Security Considerations
//
//   - TLS should be enabled for any broker off the local host (cfg.Broker.TLS=true)
//   - The device secret never goes on the wire; only its hourly HMAC does
//
// # Usage
//
//	transport, err := mqtt.NewTransport(cfg.MQTT, cfg.Device)
//	if err != nil {
//	    return err
//	}
//	manager := session.New(transport, sessionCfg)
package mqtt
