package redis

import (
	"context"
	"fmt"
	"sort"
)

// AddDomains stores domains and returns how many were new.
func (s *Store) AddDomains(ctx context.Context, domains []string) (int64, error) {
	if len(domains) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(domains))
	for i, d := range domains {
		members[i] = d
	}
	added, err := s.client.SAdd(ctx, AllDomainsKey(), members...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add domains: %w", err)
	}
	return added, nil
}

// AllDomains returns every stored domain, sorted.
func (s *Store) AllDomains(ctx context.Context) ([]string, error) {
	domains, err := s.client.SMembers(ctx, AllDomainsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	sort.Strings(domains)
	return domains, nil
}

// UnscannedDomains returns stored domains no completed task has covered yet, sorted.
func (s *Store) UnscannedDomains(ctx context.Context) ([]string, error) {
	domains, err := s.client.SDiff(ctx, AllDomainsKey(), ScannedDomainsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list unscanned domains: %w", err)
	}
	sort.Strings(domains)
	return domains, nil
}

// ScannedDomains returns the set of domains already scanned.
func (s *Store) ScannedDomains(ctx context.Context) (map[string]bool, error) {
	domains, err := s.client.SMembers(ctx, ScannedDomainsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list scanned domains: %w", err)
	}
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		set[d] = true
	}
	return set, nil
}

// MarkScanned flags domains as scanned.
func (s *Store) MarkScanned(ctx context.Context, domains []string) error {
	if len(domains) == 0 {
		return nil
	}
	members := make([]interface{}, len(domains))
	for i, d := range domains {
		members[i] = d
	}
	if err := s.client.SAdd(ctx, ScannedDomainsKey(), members...).Err(); err != nil {
		return fmt.Errorf("failed to mark domains scanned: %w", err)
	}
	return nil
}

// DomainCounts returns the number of stored and scanned domains.
func (s *Store) DomainCounts(ctx context.Context) (total, scanned int64, err error) {
	pipe := s.client.Pipeline()
	all := pipe.SCard(ctx, AllDomainsKey())
	done := pipe.SCard(ctx, ScannedDomainsKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to count domains: %w", err)
	}
	return all.Val(), done.Val(), nil
}
