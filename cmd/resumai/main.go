// resumai is the webhook backend of the resume-building chat assistant.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
