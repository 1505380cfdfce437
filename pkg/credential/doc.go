// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package credential reads and writes the per-account files that let the
// bridge reconnect IM accounts without an interactive login.
//
// The credential root holds one subdirectory per account id plus a shared
// clients.json:
//
//	<root>/<account_id>/device.json
//	<root>/<account_id>/token.json
//	<root>/<account_id>/token.bin
//	<root>/clients.json
//
// All operations are plain file I/O; every failure is returned as a
// [*ConfigError] describing which file kind and which operation failed.
package credential
