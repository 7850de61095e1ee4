package cmd

import (
	"fmt"
	"os"

	tardis "github.com/tardis-backup/tardis/lib"
)

// errorCheck prints the "ERROR: ..." line the client greps for and exits
// with the error's mapped code.
func errorCheck(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(tardis.ExitCode(err))
	}
}

func printResult(result string) {
	fmt.Println(result)
}
