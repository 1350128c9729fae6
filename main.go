// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

package main

import "github.com/particle-tools/collider/cmd"

func main() {
	cmd.Execute()
}
