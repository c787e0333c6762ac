package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/smallbiznis/erpsync/internal/cache"
	"github.com/smallbiznis/erpsync/internal/legacystore"
	mirrordomain "github.com/smallbiznis/erpsync/internal/mirror/domain"
	obslogger "github.com/smallbiznis/erpsync/internal/observability/logger"
	"github.com/smallbiznis/erpsync/internal/observability/metrics"
	"github.com/smallbiznis/erpsync/pkg/db"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

var (
	ErrEmptyTaxID   = errors.New("empty_tax_id")
	ErrProvisioning = errors.New("party_provisioning_failed")
)

const maxNameLength = 120

// Hint carries the party details known from the document, used only when
// the party has to be created.
type Hint struct {
	Name    string
	Address string
	City    string
	Phone   string
	Email   string
}

// Resolution is the outcome of resolving one tax id.
type Resolution struct {
	CanonicalID string
	Provisioned bool
}

// PartyMirror is the fast-path lookup against mirrored parties.
type PartyMirror interface {
	FindPartyByVariants(ctx context.Context, variants []string) (*mirrordomain.Party, error)
}

// Resolver maps tax ids to the canonical party id used as foreign key by
// the legacy ledger, creating the party when the ERP does not know it.
type Resolver struct {
	mirror   PartyMirror
	legacy   *legacystore.Store
	cache    cache.IdentityCache
	tenantID string
	log      *zap.Logger
	metrics  *metrics.Metrics
	upper    cases.Caser

	provisionMu sync.Mutex
}

type Options struct {
	TenantID string
	Cache    cache.IdentityCache
	Log      *zap.Logger
	Metrics  *metrics.Metrics
}

func NewResolver(mirror PartyMirror, legacy *legacystore.Store, opts Options) *Resolver {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		mirror:   mirror,
		legacy:   legacy,
		cache:    opts.Cache,
		tenantID: opts.TenantID,
		log:      log.Named("identity"),
		metrics:  opts.Metrics,
		upper:    cases.Upper(language.Spanish),
	}
}

// Resolve returns the canonical id for taxID. Probes run in variant order
// against the cloud mirror, then the ERP; the first hit wins. With no hit the
// party and its default branch are created in one ERP transaction.
func (r *Resolver) Resolve(ctx context.Context, taxID string, hint Hint) (Resolution, error) {
	variants := Variants(taxID)
	if len(variants) == 0 {
		return Resolution{}, ErrEmptyTaxID
	}

	if r.cache != nil {
		if id, ok := r.cache.GetCanonicalID(r.tenantID, variants[0]); ok {
			return Resolution{CanonicalID: id}, nil
		}
	}

	ctx, span := otel.Tracer("erpsync/identity").Start(ctx, "identity.resolve")
	defer span.End()
	log := obslogger.WithContext(ctx, r.log)

	id, source, err := r.probe(ctx, variants)
	if err != nil {
		return Resolution{}, err
	}
	if id != "" {
		log.Debug("identity.resolved", zap.String("tax_id", taxID), zap.String("canonical_id", id), zap.String("source", source))
		r.remember(variants[0], id)
		return Resolution{CanonicalID: id}, nil
	}

	res, err := r.provision(ctx, taxID, variants, hint)
	if err != nil {
		return Resolution{}, err
	}
	r.remember(variants[0], res.CanonicalID)
	return res, nil
}

func (r *Resolver) probe(ctx context.Context, variants []string) (string, string, error) {
	if r.mirror != nil {
		party, err := r.mirror.FindPartyByVariants(ctx, variants)
		if err != nil {
			// the mirror is an optimisation; the ERP stays authoritative
			obslogger.WithContext(ctx, r.log).Warn("identity.mirror_probe_failed", zap.Error(err))
		} else if party != nil {
			return party.CanonicalID, "mirror", nil
		}
	}

	id, err := r.probeLegacy(ctx, r.legacy.DB(), variants)
	if err != nil {
		return "", "", fmt.Errorf("probe legacy parties: %w", err)
	}
	return id, "legacy", nil
}

type legacyMatch struct {
	IDN string `gorm:"column:id_n"`
	Nit string `gorm:"column:nit"`
}

func (r *Resolver) probeLegacy(ctx context.Context, conn *gorm.DB, variants []string) (string, error) {
	var matches []legacyMatch
	err := conn.WithContext(ctx).
		Raw("SELECT id_n, nit FROM terceros WHERE id_n IN ? OR nit IN ?", variants, variants).
		Scan(&matches).Error
	if err != nil {
		return "", err
	}
	for _, v := range variants {
		for _, m := range matches {
			if strings.TrimSpace(m.IDN) == v || strings.TrimSpace(m.Nit) == v {
				return strings.TrimSpace(m.IDN), nil
			}
		}
	}
	return "", nil
}

// provision creates the party. Concurrent resolutions of the same new tax id
// are serialised and the loser finds the winner's row.
func (r *Resolver) provision(ctx context.Context, taxID string, variants []string, hint Hint) (Resolution, error) {
	r.provisionMu.Lock()
	defer r.provisionMu.Unlock()

	canonical := Normalize(taxID)
	if canonical == "" {
		return Resolution{}, ErrEmptyTaxID
	}
	log := obslogger.WithContext(ctx, r.log)

	var res Resolution
	err := r.legacy.Transaction(ctx, func(tx *gorm.DB) error {
		existing, err := r.probeLegacy(ctx, tx, variants)
		if err != nil {
			return err
		}
		if existing != "" {
			res = Resolution{CanonicalID: existing}
			return nil
		}

		name := r.partyName(hint.Name, canonical)
		if err := tx.Exec(`INSERT INTO terceros (id_n, nit, nombre, direccion, ciudad, telefono, email, cliente, proveedor, empleado)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'S', 'N', 'N')`,
			canonical,
			variants[0],
			name,
			strings.TrimSpace(hint.Address),
			strings.TrimSpace(hint.City),
			strings.TrimSpace(hint.Phone),
			strings.ToLower(strings.TrimSpace(hint.Email)),
		).Error; err != nil {
			return err
		}
		if err := tx.Exec(`INSERT INTO terceros_sucursales (id_n, sucursal, direccion, ciudad, principal)
			VALUES (?, 0, ?, ?, 'S')`,
			canonical,
			strings.TrimSpace(hint.Address),
			strings.TrimSpace(hint.City),
		).Error; err != nil {
			return err
		}
		res = Resolution{CanonicalID: canonical, Provisioned: true}
		return nil
	})
	if err != nil && db.IsDuplicateKeyErr(err) {
		// another ERP client inserted the party between the probe and the insert
		if existing, probeErr := r.probeLegacy(ctx, r.legacy.DB(), variants); probeErr == nil && existing != "" {
			log.Info("identity.provision_raced", zap.String("tax_id", taxID), zap.String("canonical_id", existing))
			return Resolution{CanonicalID: existing}, nil
		}
	}
	if err != nil {
		log.Error("identity.provision_failed", zap.String("tax_id", taxID), zap.String("canonical_id", canonical), zap.Error(err))
		return Resolution{}, fmt.Errorf("%w: %s: %v", ErrProvisioning, canonical, err)
	}

	if res.Provisioned {
		log.Info("identity.party_provisioned", zap.String("tax_id", taxID), zap.String("canonical_id", canonical))
		r.metrics.RecordPartyProvisioned(ctx)
	}
	return res, nil
}

func (r *Resolver) partyName(name, canonical string) string {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		name = "TERCERO " + canonical
	}
	name = r.upper.String(name)
	if utf8.RuneCountInString(name) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}
	return name
}

func (r *Resolver) remember(taxID, canonicalID string) {
	if r.cache != nil {
		r.cache.SetCanonicalID(r.tenantID, taxID, canonicalID)
	}
}
