// Copyright 2024-2026 Aiku AI

package credential

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"go.mau.fi/util/random"
)

// FileDevice is the device fingerprint file inside an account directory.
const FileDevice = "device.json"

// Device is the per-account hardware identity the IM protocol binds sessions
// to. It is generated once and must never change afterwards: a new
// fingerprint invalidates every token issued for the old one.
type Device struct {
	Display      string `json:"display"`
	Product      string `json:"product"`
	Device       string `json:"device"`
	Board        string `json:"board"`
	Model        string `json:"model"`
	FingerPrint  string `json:"finger_print"`
	BootID       string `json:"boot_id"`
	ProcVersion  string `json:"proc_version"`
	IMEI         string `json:"imei"`
	AndroidID    string `json:"android_id"`
	MACAddress   string `json:"mac_address"`
	IPAddress    []byte `json:"ip_address"`
	WifiBSSID    string `json:"wifi_bssid"`
	WifiSSID     string `json:"wifi_ssid"`
	IMSIMD5      []byte `json:"imsi_md5"`
	VendorOSName string `json:"vendor_os_name"`
}

// RandomDevice generates a fresh device fingerprint.
func RandomDevice() *Device {
	build := strings.ToUpper(random.String(6))
	androidID := hex.EncodeToString(random.Bytes(8))
	return &Device{
		Display:      "GMC." + build + ".001",
		Product:      "iarim",
		Device:       "sagit",
		Board:        "eomam",
		Model:        "MI 6",
		FingerPrint:  "xiaomi/iarim/sagit:10/" + build + "/" + digits(7) + ":user/release-keys",
		BootID:       newBootID(),
		ProcVersion:  "Linux 5.4.0-54-generic-" + random.String(8) + " (android-build@google.com)",
		IMEI:         digits(15),
		AndroidID:    androidID,
		MACAddress:   "00:50:56:C0:00:08",
		IPAddress:    []byte{10, 0, 1, 3},
		WifiBSSID:    "00:50:56:C0:00:08",
		WifiSSID:     "<unknown ssid>",
		IMSIMD5:      random.Bytes(16),
		VendorOSName: "unknown",
	}
}

func newBootID() string {
	b := hex.EncodeToString(random.Bytes(16))
	return b[0:8] + "-" + b[8:12] + "-" + b[12:16] + "-" + b[16:20] + "-" + b[20:32]
}

func digits(n int) string {
	raw := random.Bytes(n)
	out := make([]byte, n)
	for i, b := range raw {
		out[i] = '0' + b%10
	}
	return string(out)
}

// LoadDevice reads the device fingerprint of the account stored in dir. When
// the fingerprint file does not exist yet a random one is generated and
// written. The account directory itself must exist.
func LoadDevice(dir string) (*Device, error) {
	exists, err := dirExists(dir)
	if err != nil {
		return nil, newError(KindDevice, OpRead, dir, err)
	}
	if !exists {
		return nil, newError(KindDevice, OpNotFound, "account directory "+dir, nil)
	}

	path := filepath.Join(dir, FileDevice)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return createDevice(path)
	} else if err != nil {
		return nil, newError(KindDevice, OpRead, path, err)
	}

	var device Device
	if err := json.Unmarshal(data, &device); err != nil {
		return nil, newError(KindDevice, OpDeserialization, path, err)
	}
	return &device, nil
}

func createDevice(path string) (*Device, error) {
	device := RandomDevice()
	data, err := json.MarshalIndent(device, "", "  ")
	if err != nil {
		return nil, newError(KindDevice, OpSerialization, "", err)
	}
	if err := renameio.WriteFile(path, data, fileMode); err != nil {
		return nil, newError(KindDevice, OpWrite, path, err)
	}
	return device, nil
}
