// dsmq: minimal TCP message broker. See internal/brokercli for commands.
package main

import "github.com/contenox/dsmq/internal/brokercli"

func main() {
	brokercli.Main()
}
