package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sandgate/sandgate/internal/cli"
)

var version = "dev"
var commit = "unknown"

func versionString() string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	c := strings.TrimSpace(commit)
	if c == "" || strings.EqualFold(c, "unknown") {
		return v
	}
	// Avoid duplication when version already contains the commit (e.g. git-describe output).
	if strings.Contains(v, c) {
		return v
	}
	return v + "+" + c
}

func main() {
	if err := cli.NewRoot(versionString()).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
