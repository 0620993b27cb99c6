package main

import (
	"flag"
	"fmt"
	"os"

	"codebank-client/ui"
)

func main() {
	serverAddr := flag.String("server", "localhost:57890", "CodeBank server address (host:port)")
	name := flag.String("name", "", "performer name")
	password := flag.String("password", "", "server password (blank for open servers)")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "A performer name is required (-name)")
		os.Exit(1)
	}

	app := ui.NewApp(*serverAddr, *name, *password)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
