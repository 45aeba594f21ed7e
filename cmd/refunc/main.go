// Command refunc inspects executable images and repairs function boundaries
// in an in-memory analysis database.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
