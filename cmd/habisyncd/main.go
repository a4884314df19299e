// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// habisyncd is the Habistat sync server: it hosts the principal-scoped
// record store behind the sync HTTP API and ships the out-of-band
// administrative maintenance commands.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
