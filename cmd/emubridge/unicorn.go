//go:build unicorn

package main

import _ "github.com/wnxd/emubridge/emulator/unicorn"
