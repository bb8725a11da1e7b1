// ABOUTME: Version and product identity constants
// ABOUTME: Referenced in logs and protocol identification strings
package version

// Version is the application version.
const Version = "0.1.0"

// Product is the product name reported to devices.
const Product = "MicBridge"

// Manufacturer is the manufacturer string reported to devices.
const Manufacturer = "MicBridge Project"

// UserAgent is sent on every outbound device request.
const UserAgent = Product + "/" + Version + " (" + Manufacturer + ")"
