package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/ogarcia/otp-keys/pkg/otp"
)

// DuplicateGroup is a set of credentials sharing one secret.
type DuplicateGroup struct {
	// Identities lists the credentials, when requested.
	Identities []string `json:"identities,omitempty"`
	Count      int      `json:"count"`
}

// FindDuplicates groups credentials whose secrets are equal, largest group
// first. Secrets are compared by HMAC-SHA256 under a key that lives only as
// long as the Calculator.
func (c *Calculator) FindDuplicates(creds []*otp.Credential, includeIdentities bool, limit int) ([]DuplicateGroup, error) {
	if err := c.ensureKey(); err != nil {
		return nil, err
	}

	byHash := make(map[string][]string)
	var order []string
	for _, cred := range creds {
		h := c.hash(cred.Secret)
		if _, ok := byHash[h]; !ok {
			order = append(order, h)
		}
		byHash[h] = append(byHash[h], cred.Identity().String())
	}

	var groups []DuplicateGroup
	for _, h := range order {
		ids := byHash[h]
		if len(ids) <= 1 {
			continue
		}
		group := DuplicateGroup{Count: len(ids)}
		if includeIdentities {
			group.Identities = ids
		}
		groups = append(groups, group)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Count > groups[j].Count
	})
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

func (c *Calculator) ensureKey() error {
	if c.hmacKey != nil {
		return nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	c.hmacKey = key
	return nil
}

func (c *Calculator) hash(secret []byte) string {
	h := hmac.New(sha256.New, c.hmacKey)
	h.Write(secret)
	return hex.EncodeToString(h.Sum(nil))
}
