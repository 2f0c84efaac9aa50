package mqtt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// timestampLayout is the UTC hour stamp embedded in client IDs and used
// as the password HMAC key.
const timestampLayout = "2006010215"

// Credentials are the MQTT CONNECT identity for one dial.
type Credentials struct {
	ClientID string
	Username string
	Password string
}

// DeriveCredentials builds the platform's timestamped credentials:
// client ID "{deviceID}_0_0_{YYYYMMDDHH}", username deviceID and password
// hex(HMAC-SHA256(key=YYYYMMDDHH, secret)).
//
// The password is regenerated on every dial so a reconnect after the hour
// rolls over still authenticates.
func DeriveCredentials(deviceID, secret string, now time.Time) Credentials {
	stamp := now.UTC().Format(timestampLayout)
	mac := hmac.New(sha256.New, []byte(stamp))
	mac.Write([]byte(secret))
	return Credentials{
		ClientID: deviceID + "_0_0_" + stamp,
		Username: deviceID,
		Password: hex.EncodeToString(mac.Sum(nil)),
	}
}
