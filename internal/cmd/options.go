package cmd

import "encoding/json"

// Options represents console arguments.
type Options struct {
	// ConfigPath is the path to the YAML configuration file.
	ConfigPath string `short:"c" long:"config" description:"Path to the YAML configuration file." default:"config.yaml"`

	// ListenAddress overrides listen_address from the configuration file.
	ListenAddress string `long:"listen-address" description:"IP address the relay will be listening to. Overrides listen_address from the configuration file."`

	// Port overrides proxy_port from the configuration file.
	Port int `long:"port" description:"Port the relay will be listening to. Overrides proxy_port from the configuration file."`

	// Log settings
	// --

	// Verbose defines whether we should write the DEBUG-level log or not.
	Verbose bool `long:"verbose" description:"Verbose output (optional)" optional:"yes" optional-value:"true"`

	// LogOutput is the optional path to the log file.
	LogOutput string `long:"output" description:"Path to the log file. If not set, write to stdout."`
}

// String implements fmt.Stringer interface for Options.
func (o *Options) String() (s string) {
	b, _ := json.MarshalIndent(o, "", "    ")
	return string(b)
}
