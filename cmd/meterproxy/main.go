// meterproxy is a metering reverse proxy for an LLM API. It authenticates
// callers, answers repeated requests from a cache, relays streams and
// records token usage for every exchange.
//
// Usage:
//
//	meterproxy serve --config configs/config.yaml
package main

func main() {
	Execute()
}
