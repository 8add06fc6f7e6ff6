package tenancy

import (
	"errors"
	"testing"
)

func TestCheckActive(t *testing.T) {
	var nilTenant *Tenant
	if !errors.Is(nilTenant.CheckActive(), ErrTenantNotFound) {
		t.Fatalf("nil tenant should be not found")
	}
	if err := (&Tenant{ID: "t1", Active: true}).CheckActive(); err != nil {
		t.Fatalf("active tenant rejected: %v", err)
	}
	if !errors.Is((&Tenant{ID: "t1", Active: true, Suspended: true}).CheckActive(), ErrTenantSuspended) {
		t.Fatalf("suspended tenant accepted")
	}
	if !errors.Is((&Tenant{ID: "t1"}).CheckActive(), ErrTenantSuspended) {
		t.Fatalf("inactive tenant accepted")
	}
}

func TestIsNoCardPhone(t *testing.T) {
	tenant := &Tenant{NoCardCountries: []string{"+58", "53"}}
	if !tenant.IsNoCardPhone("whatsapp:+584121234567") {
		t.Fatalf("expected Venezuelan number to be flagged")
	}
	if !tenant.IsNoCardPhone("+5351234567") {
		t.Fatalf("expected Cuban number to be flagged")
	}
	if tenant.IsNoCardPhone("+14155550100") {
		t.Fatalf("US number must not be flagged")
	}
}

func TestServicePriceAndOrder(t *testing.T) {
	services := []Service{
		{Name: "Zeta", Position: 1},
		{Name: "Alpha", Position: 2},
		{Name: "Beta", Position: 1},
	}
	SortServices(services)
	if services[0].Name != "Beta" || services[1].Name != "Zeta" || services[2].Name != "Alpha" {
		t.Fatalf("unexpected order: %+v", services)
	}
	if got := (Service{PriceCents: 4905}).PriceLabel(); got != "USD 49.05" {
		t.Fatalf("unexpected price label %q", got)
	}
}
