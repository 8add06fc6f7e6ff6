package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tenancyTracer = otel.Tracer("wa.internal.tenancy")

// Source loads tenant configuration and catalogs.
type Source interface {
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)
	ListServices(ctx context.Context, tenantID string) ([]Service, error)
}

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository reads tenants from Postgres.
type Repository struct {
	db rowQuerier
}

var _ Source = (*Repository)(nil)

// NewRepository creates a Postgres-backed tenant repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	if pool == nil {
		panic("tenancy: pgx pool required")
	}
	return &Repository{db: pool}
}

func newRepositoryWithQuerier(db rowQuerier) *Repository {
	if db == nil {
		panic("tenancy: querier required")
	}
	return &Repository{db: db}
}

const selectTenantSQL = `
	SELECT id::text, name, is_active, is_suspended, tier, monthly_conversation_limit,
	       timezone, sending_number, messaging_provider,
	       COALESCE(messaging_credentials, ''), COALESCE(ai_credentials, ''),
	       COALESCE(calendar_credentials, ''), COALESCE(payment_credentials, ''),
	       ai_config, nocard_countries, handoff_emails
	FROM tenants
	WHERE id = $1
`

// GetTenant loads a tenant by id.
func (r *Repository) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	if err := CheckScope(ctx, tenantID); err != nil {
		return nil, err
	}
	ctx, span := tenancyTracer.Start(ctx, "tenancy.get_tenant")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	var (
		t        Tenant
		aiConfig []byte
	)
	err := r.db.QueryRow(ctx, selectTenantSQL, tenantID).Scan(
		&t.ID, &t.Name, &t.Active, &t.Suspended, &t.Tier, &t.MonthlyConversationLimit,
		&t.Timezone, &t.SendingNumber, &t.MessagingProvider,
		&t.MessagingCredentials, &t.AICredentials,
		&t.CalendarCredentials, &t.PaymentCredentials,
		&aiConfig, &t.NoCardCountries, &t.HandoffEmails,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("tenancy: get tenant: %w", err)
	}
	if len(aiConfig) > 0 {
		if err := json.Unmarshal(aiConfig, &t.AI); err != nil {
			return nil, fmt.Errorf("tenancy: decode ai config: %w", err)
		}
	}
	return &t, nil
}

// ListServices returns the tenant's active catalog in display order.
func (r *Repository) ListServices(ctx context.Context, tenantID string) ([]Service, error) {
	if err := CheckScope(ctx, tenantID); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `
		SELECT id::text, name, price_cents, currency, duration_minutes, is_live_call, position
		FROM services
		WHERE tenant_id = $1 AND is_active
		ORDER BY position, name
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenancy: list services: %w", err)
	}
	defer rows.Close()

	var services []Service
	for rows.Next() {
		var s Service
		if err := rows.Scan(&s.ID, &s.Name, &s.PriceCents, &s.Currency, &s.DurationMinutes, &s.IsLiveCall, &s.Position); err != nil {
			return nil, fmt.Errorf("tenancy: scan service: %w", err)
		}
		services = append(services, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenancy: list services: %w", err)
	}
	return services, nil
}

// TenantByChannel maps a provider channel id (Cloud API phone_number_id or a
// Twilio sender number) to its tenant.
func (r *Repository) TenantByChannel(ctx context.Context, channelID string) (string, error) {
	var tenantID string
	err := r.db.QueryRow(ctx, `
		SELECT tenant_id::text FROM tenant_channels WHERE channel_id = $1
	`, channelID).Scan(&tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrTenantNotFound
		}
		return "", fmt.Errorf("tenancy: lookup channel: %w", err)
	}
	return tenantID, nil
}

// TenantsWithActiveConversation lists up to two tenants holding an active
// conversation with the phone. This is the only query not scoped by tenant,
// since the tenant is what it discovers.
func (r *Repository) TenantsWithActiveConversation(ctx context.Context, phone string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT tenant_id::text
		FROM conversations
		WHERE phone = $1 AND is_active AND expires_at > now()
		LIMIT 2
	`, phone)
	if err != nil {
		return nil, fmt.Errorf("tenancy: lookup by phone: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("tenancy: scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MapChannel registers a channel id for a tenant. Re-mapping is allowed.
func (r *Repository) MapChannel(ctx context.Context, tenantID, provider, channelID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO tenant_channels (channel_id, tenant_id, provider)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, provider = EXCLUDED.provider
	`, channelID, tenantID, provider)
	if err != nil {
		return fmt.Errorf("tenancy: map channel: %w", err)
	}
	return nil
}
