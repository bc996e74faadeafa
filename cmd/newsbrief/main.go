// The newsbrief binary runs the feed ingestion and topic brief service.
package main

import "newsbrief/cmd"

func main() {
	cmd.Execute()
}
