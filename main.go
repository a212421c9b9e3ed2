// Command proxyhub runs the rotating HTTP/CONNECT proxy hub.
package main

import "github.com/vantage-labs/proxyhub/cmd"

func main() {
	cmd.Execute()
}
