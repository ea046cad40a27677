package directory

import (
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/ogarcia/otp-keys/pkg/otp"
)

// migrateLocked moves legacy five-field entries into the vault and rewrites
// the index in the two-field form. Entries that cannot be decoded are
// dropped. Running it on an index without legacy entries changes nothing.
func (d *Directory) migrateLocked(index []string) ([]string, error) {
	out := make([]string, 0, len(index))
	migrated, dropped := 0, 0

	for i, entry := range index {
		if !otp.IsLegacy(entry) {
			out = append(out, entry)
			continue
		}

		c, err := otp.ParseLegacy(entry)
		if err != nil {
			// The entry embeds the secret; log its position only.
			d.log.Warn("dropping undecodable legacy entry", zap.Int("position", i), zap.Error(err))
			dropped++
			continue
		}
		if err := d.vault.Put(c); err != nil {
			return nil, fmt.Errorf("directory: failed to migrate legacy entry %d: %w", i, err)
		}
		out = append(out, c.Identity().String())
		migrated++
	}
	out = lo.Uniq(out)

	if err := d.persist(out); err != nil {
		return nil, fmt.Errorf("directory: failed to rewrite index: %w", err)
	}

	d.log.Info("migrated legacy index",
		zap.Int("migrated", migrated),
		zap.Int("dropped", dropped),
	)
	if d.onMigrate != nil {
		d.onMigrate(migrated, dropped)
	}
	return out, nil
}
