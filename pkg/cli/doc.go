// Package cli provides the mockproxy command-line interface.
//
//   - start: run the proxy in the foreground until interrupted
//   - ca generate|export|info: manage the interception root certificate
//   - env: print HTTP_PROXY style exports for a proxy address
//   - version: print build information
//
// Every start flag can also be given as a MOCKPROXY_* environment variable
// (MOCKPROXY_ADDR, MOCKPROXY_CA_PATH, ...). Flags and environment override
// the config file, which overrides built-in defaults.
package cli
