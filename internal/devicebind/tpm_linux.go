//go:build linux

// Hardware-rooted fingerprint source for Linux hosts with a TPM 2.0.
// Uses /dev/tpmrm0 (TPM Resource Manager) or /dev/tpm0 (direct access).

package devicebind

import (
	"fmt"
	"os"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference
var tpmDevicePaths = []string{
	"/dev/tpmrm0", // TPM Resource Manager (preferred)
	"/dev/tpm0",   // Direct TPM access (fallback)
}

// tpmSource derives a fingerprint component from the TPM endorsement key.
// The EK is burned in at manufacture, so it identifies the physical chip.
type tpmSource struct{}

func (tpmSource) Name() string { return "tpm-ek" }

func (tpmSource) Component() ([]byte, error) {
	path, err := detectTPM()
	if err != nil {
		return nil, err
	}

	tpmTransport, err := transport.OpenTPM(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer tpmTransport.Close()

	createEKCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}

	rsp, err := createEKCmd.Execute(tpmTransport)
	if err != nil {
		return nil, fmt.Errorf("create EK primary: %w", err)
	}
	defer func() {
		flushCmd := tpm2.FlushContext{FlushHandle: rsp.ObjectHandle}
		flushCmd.Execute(tpmTransport)
	}()

	return tpm2.Marshal(rsp.OutPublic), nil
}

// detectTPM finds an accessible TPM device.
func detectTPM() (string, error) {
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		f.Close()
		return path, nil
	}
	return "", fmt.Errorf("no accessible TPM device")
}

func defaultSources() []Source {
	return []Source{tpmSource{}, machineIDSource{}, hostSource{}}
}
