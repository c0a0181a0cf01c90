// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

package main

import (
	"fmt"
	"os"

	"github.com/parlor-chat/parlor/internal/cmd"
	"github.com/parlor-chat/parlor/internal/sdk"
)

func main() {
	if err := cmd.NewCommand(sdk.Version, sdk.GitCommit).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
