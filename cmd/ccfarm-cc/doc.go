// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Ccfarm-cc wraps a compiler invocation and hands it to the local
// ccfarm-manager:
//
//	ccfarm-cc gcc -c -O2 main.c
//
// Installed as a symlink named after a compiler (gcc, g++, cc, c++)
// it takes the compiler name from its own name and resolves the real
// compiler on PATH past its own directory.
//
// The manager decides what happens: it may tell the wrapper to run
// the command unchanged, run a replacement command, or print the
// remote compile's output and exit with its return code. Meanwhile it
// may ask the wrapper to run query commands and locate programs on
// PATH. When the manager is unreachable the command runs locally.
//
// The manager socket is CCFARM_SOCKET, else manager.client_socket
// from the file named by CCFARM_CONFIG, else the default location.
package main
