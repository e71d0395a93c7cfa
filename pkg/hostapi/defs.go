package hostapi

// configStruct is the central configuration used by this library
type configStruct struct {
	// version is reported to the host when it asks which extension build is loaded
	version string

	// handler receives the host callbacks
	handler Handler
}

// Init method initializes the config struct
func (c *configStruct) Init() {
	c.version = "No version set"
}

// SetVersion sets the version string reported to the host
func SetVersion(version string) {
	Config.version = version
}

// Version returns the version string reported to the host
func Version() string {
	return Config.version
}

// SetHandler sets the handler for host callbacks. A nil handler turns every
// entry point into a pass-through.
func SetHandler(h Handler) {
	Config.handler = h
}

// GetHandler returns the configured handler, or nil if not set
func GetHandler() Handler {
	return Config.handler
}
