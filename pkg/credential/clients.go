// Copyright 2024-2026 Aiku AI

package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// FileClients is the shared account list at the credential root.
const FileClients = "clients.json"

// Protocol is the client variant an IM account logs in as.
type Protocol int

const (
	ProtocolMacOS Protocol = iota
	ProtocolIPad
	ProtocolQiDian
	ProtocolAndroidPhone
	ProtocolAndroidWatch
)

// DefaultProtocol is used for accounts synthesized during reconciliation.
const DefaultProtocol = ProtocolMacOS

var protocolNames = map[Protocol]string{
	ProtocolMacOS:        "MacOS",
	ProtocolIPad:         "IPad",
	ProtocolQiDian:       "QiDian",
	ProtocolAndroidPhone: "AndroidPhone",
	ProtocolAndroidWatch: "AndroidWatch",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Protocol(%d)", int(p))
}

func (p Protocol) MarshalText() ([]byte, error) {
	name, ok := protocolNames[p]
	if !ok {
		return nil, fmt.Errorf("unknown protocol %d", int(p))
	}
	return []byte(name), nil
}

func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseProtocol resolves a protocol name case-insensitively.
func ParseProtocol(name string) (Protocol, error) {
	for p, n := range protocolNames {
		if strings.EqualFold(n, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", name)
}

// AccountConfig is one entry of clients.json.
type AccountConfig struct {
	ID        int64    `json:"id"`
	Protocol  Protocol `json:"protocol"`
	AutoLogin bool     `json:"auto_login"`
}

// DefaultAccountConfig returns the entry synthesized for an account directory
// that has no clients.json entry.
func DefaultAccountConfig(id int64) AccountConfig {
	return AccountConfig{
		ID:        id,
		Protocol:  DefaultProtocol,
		AutoLogin: true,
	}
}

// ListAccountDirs returns the ids of all numeric subdirectories of root in
// ascending order. Files and non-numeric names are ignored.
func ListAccountDirs(root string) ([]int64, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(KindClient, OpNotFound, "credential root "+root, err)
		}
		return nil, newError(KindClient, OpRead, root, err)
	}
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// ReadClients parses clients.json. A missing file yields an empty list.
func ReadClients(root string) ([]AccountConfig, error) {
	path := filepath.Join(root, FileClients)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, newError(KindClient, OpRead, path, err)
	}
	var accounts []AccountConfig
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, newError(KindClient, OpDeserialization, path, err)
	}
	return accounts, nil
}

// WriteClients atomically replaces clients.json with accounts.
func WriteClients(root string, accounts []AccountConfig) error {
	data, err := json.MarshalIndent(accounts, "", "  ")
	if err != nil {
		return newError(KindClient, OpSerialization, "", err)
	}
	path := filepath.Join(root, FileClients)
	if err := renameio.WriteFile(path, data, fileMode); err != nil {
		return newError(KindClient, OpWrite, path, err)
	}
	return nil
}

// DirectoryDefaults returns a default entry for every account directory under
// root without touching clients.json.
func DirectoryDefaults(root string) ([]AccountConfig, error) {
	ids, err := ListAccountDirs(root)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, newError(KindClient, OpNotFound, "no account directories in "+root, nil)
	}
	accounts := make([]AccountConfig, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, DefaultAccountConfig(id))
	}
	return accounts, nil
}

// Reconcile matches clients.json against the account directories under root.
// Directories without an entry get a default entry and the file is rewritten;
// entries without a directory are kept. The result lists directory-backed
// accounts first, in id order, followed by the remaining entries in file
// order. synthesized is the number of defaults that were added.
func Reconcile(root string) (accounts []AccountConfig, synthesized int, err error) {
	ids, err := ListAccountDirs(root)
	if err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return nil, 0, newError(KindClient, OpNotFound, "no account directories in "+root, nil)
	}

	existing, err := ReadClients(root)
	if err != nil {
		return nil, 0, err
	}
	byID := make(map[int64]AccountConfig, len(existing))
	for _, acc := range existing {
		byID[acc.ID] = acc
	}

	accounts = make([]AccountConfig, 0, len(ids)+len(existing))
	used := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		used[id] = struct{}{}
		if acc, ok := byID[id]; ok {
			accounts = append(accounts, acc)
			continue
		}
		accounts = append(accounts, DefaultAccountConfig(id))
		synthesized++
	}
	for _, acc := range existing {
		if _, ok := used[acc.ID]; ok {
			continue
		}
		used[acc.ID] = struct{}{}
		accounts = append(accounts, acc)
	}

	if synthesized > 0 {
		if err := WriteClients(root, accounts); err != nil {
			return nil, 0, err
		}
	}
	return accounts, synthesized, nil
}
