package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TheusHen/meshcore/mesh/crypto"
	"github.com/TheusHen/meshcore/mesh/internal/fsutil"
)

// KeyFile is the file name used under a node's data directory.
const KeyFile = "identity.json"

type storedGeneration struct {
	Generation
	SigningKey []byte `json:"signing_key"`
	KEMKey     []byte `json:"kem_key"`
}

type storedIdentity struct {
	Root        []byte             `json:"root_key"`
	Generations []storedGeneration `json:"generations"`
}

// Save writes the identity's private key material to dir with 0600
// permissions.
func (i *Identity) Save(dir string) error {
	i.mu.RLock()
	st := storedIdentity{Root: i.root.Bytes()}
	for _, g := range i.gens {
		st.Generations = append(st.Generations, storedGeneration{
			Generation: g.Generation,
			SigningKey: g.signing.Bytes(),
			KEMKey:     g.kem.Bytes(),
		})
	}
	i.mu.RUnlock()

	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, KeyFile), data, 0o600)
}

// Load reads an identity previously written by Save.
func Load(dir string) (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(dir, KeyFile))
	if err != nil {
		return nil, err
	}
	var st storedIdentity
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	root, err := ParseSigningKey(st.Root)
	if err != nil {
		return nil, err
	}
	if len(st.Generations) == 0 {
		return nil, ErrNoActiveGeneration
	}
	id := &Identity{
		id:   NodeIDFromPublicKey(root.Public().Bytes()),
		root: root,
		now:  time.Now,
	}
	for _, sg := range st.Generations {
		signing, err := ParseSigningKey(sg.SigningKey)
		if err != nil {
			return nil, err
		}
		kem, err := crypto.ParseKEMPrivateKey(sg.KEMKey)
		if err != nil {
			return nil, err
		}
		id.gens = append(id.gens, &localGeneration{Generation: sg.Generation, signing: signing, kem: kem})
	}
	return id, nil
}

// LoadOrGenerate loads the identity in dir, or generates and saves a new one
// when none exists. An empty dir yields an ephemeral identity.
func LoadOrGenerate(dir string, alg Algorithm, validity time.Duration) (*Identity, error) {
	if dir == "" {
		return Generate(alg, validity)
	}
	id, err := Load(dir)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	id, err = Generate(alg, validity)
	if err != nil {
		return nil, err
	}
	if err := id.Save(dir); err != nil {
		return nil, err
	}
	return id, nil
}
