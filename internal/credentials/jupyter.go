package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// EnvNotebookPassword is read by the lab image to configure Jupyter.
const EnvNotebookPassword = "NOTEBOOK_PASSWORD"

// Jupyter derives the notebook password hash from the user's email.
type Jupyter struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
	saltLen int
}

func NewJupyter() *Jupyter {
	return &Jupyter{memory: 10240, time: 10, threads: 8, keyLen: 32, saltLen: 16}
}

func (j *Jupyter) Provision(_ context.Context, req Request) (map[string]string, error) {
	hash, err := j.Hash(req.User.Identity())
	if err != nil {
		return nil, fmt.Errorf("jupyter: %w", err)
	}
	return map[string]string{EnvNotebookPassword: hash}, nil
}

// Hash returns password in the "argon2:<PHC string>" form Jupyter expects.
func (j *Jupyter) Hash(password string) (string, error) {
	salt := make([]byte, j.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, j.time, j.memory, j.threads, j.keyLen)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("argon2:$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, j.memory, j.time, j.threads, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}
