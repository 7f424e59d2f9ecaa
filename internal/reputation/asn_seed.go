package reputation

import (
	"context"
	"time"
)

// Well-known cloud/hosting and VPN provider ASNs, seeded at startup so the
// heuristic layer works before any provider has been consulted.
var seedASNs = []AsnInfo{
	// Hosting / cloud
	{ASN: 16509, OrgName: "Amazon.com, Inc.", Hosting: true},
	{ASN: 14618, OrgName: "Amazon AES", Hosting: true},
	{ASN: 15169, OrgName: "Google LLC", Hosting: true},
	{ASN: 396982, OrgName: "Google Cloud Platform", Hosting: true},
	{ASN: 8075, OrgName: "Microsoft Corporation", Hosting: true},
	{ASN: 13335, OrgName: "Cloudflare, Inc.", Hosting: true},
	{ASN: 20940, OrgName: "Akamai International B.V.", Hosting: true},
	{ASN: 16625, OrgName: "Akamai Technologies, Inc.", Hosting: true},
	{ASN: 16276, OrgName: "OVH SAS", Hosting: true},
	{ASN: 24940, OrgName: "Hetzner Online GmbH", Hosting: true},
	{ASN: 14061, OrgName: "DigitalOcean, LLC", Hosting: true},
	{ASN: 63949, OrgName: "Akamai Connected Cloud (Linode)", Hosting: true},
	{ASN: 20473, OrgName: "The Constant Company (Vultr)", Hosting: true},
	{ASN: 45102, OrgName: "Alibaba (US) Technology Co., Ltd.", Hosting: true},
	{ASN: 37963, OrgName: "Hangzhou Alibaba Advertising Co., Ltd.", Hosting: true},
	// VPN operators
	{ASN: 9009, OrgName: "M247 Europe SRL", VPN: true},
	{ASN: 60068, OrgName: "Datacamp Limited", VPN: true},
	{ASN: 212238, OrgName: "Datacamp Limited", VPN: true},
	{ASN: 136787, OrgName: "TEFINCOM S.A. (NordVPN)", VPN: true},
	{ASN: 62651, OrgName: "PacketHub S.A.", VPN: true},
	{ASN: 202422, OrgName: "G-Core Labs S.A.", VPN: true},
}

// seedTTL keeps seed rows effectively permanent; the janitor refreshes rather
// than drops them.
const seedTTL = 10 * 365 * 24 * time.Hour

// SeedASNs loads the built-in ASN list. Existing rows are refreshed.
func (s *Store) SeedASNs(ctx context.Context) error {
	for _, info := range seedASNs {
		if err := s.UpsertAsn(ctx, info, seedTTL); err != nil {
			return err
		}
	}
	return nil
}
