package configstore

import (
	"fmt"
	"os"

	"github.com/sraths91/atlas-sub001/internal/envelope"
)

// ValidationParams collects the fields the Fleet Server must validate
// before starting.
type ValidationParams struct {
	BcryptCost int
	KDFIterations int
	EncryptionKeys [][]byte
	ListenPort int
	SSLEnabled bool
	CertFile string
	KeyFile string
}

// MinBcryptCost is the floor Validate enforces.
const MinBcryptCost = 10

// Validate refuses to start when any of the startup conditions hold,
// returning a descriptive error for the first violation found.
func Validate(p ValidationParams) error {
	if p.BcryptCost < MinBcryptCost {
		return fmt.Errorf("configstore: bcrypt cost %d is below the minimum of %d", p.BcryptCost, MinBcryptCost)
	}
	if p.KDFIterations < envelope.MinKDFIterations {
		return fmt.Errorf("configstore: KDF iterations %d is below the minimum of %d", p.KDFIterations, envelope.MinKDFIterations)
	}
	for i, k := range p.EncryptionKeys {
		if len(k) < envelope.KeySize {
			return fmt.Errorf("configstore: encryption key #%d is %d bytes, need at least %d", i, len(k), envelope.KeySize)
		}
	}
	if p.ListenPort < 1 || p.ListenPort > 65535 {
		return fmt.Errorf("configstore: listen port %d is outside [1,65535]", p.ListenPort)
	}
	if p.SSLEnabled {
		if !fileExists(p.CertFile) {
			return fmt.Errorf("configstore: SSL enabled but cert file %q is missing", p.CertFile)
		}
		if !fileExists(p.KeyFile) {
			return fmt.Errorf("configstore: SSL enabled but key file %q is missing", p.KeyFile)
		}
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
