// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package credential

import (
	"fmt"
	"os"
	"strings"

	"orchestratord/pkg/crypto"
)

// LoadPrivateKeyPEM reads the GitHub App private key at path. If
// passphrase is non-empty, the file is treated as the base64 output of
// crypto.Encryptor.Encrypt and is decrypted before use via AES-GCM with a
// PBKDF2-derived key; otherwise it is read as a plain PEM file.
func LoadPrivateKeyPEM(path, passphrase string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("credential: read private key: %w", err)
	}
	if passphrase == "" {
		return raw, nil
	}
	enc, err := crypto.NewEncryptor(passphrase)
	if err != nil {
		return nil, fmt.Errorf("credential: build key encryptor: %w", err)
	}
	plaintext, err := enc.Decrypt(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt private key: %w", err)
	}
	return []byte(plaintext), nil
}
