// Command moltgate runs the capability executor's request server.
package main

import "github.com/dead-pool-aka-wilson/moltgate/cmd/moltgate/cmd"

func main() {
	cmd.Execute()
}
