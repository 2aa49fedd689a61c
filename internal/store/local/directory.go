package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"opticbook/internal/domain"
	"opticbook/internal/store"
)

// Stores returns the active stores ordered as stored.
func (s *Store) Stores(ctx context.Context) ([]domain.Store, error) {
	doc, err := s.Document(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]domain.Store, 0, len(doc.Stores))
	for _, st := range doc.Stores {
		if st.Active {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Store) Store(ctx context.Context, id int64) (domain.Store, error) {
	doc, err := s.Document(ctx)
	if err != nil {
		return domain.Store{}, classify(err)
	}
	st, ok := findStore(doc.Stores, id)
	if !ok {
		return domain.Store{}, fmt.Errorf("store %d: %w", id, store.ErrNotFound)
	}
	return st, nil
}

// AddStore creates an active store with the next free id.
func (s *Store) AddStore(ctx context.Context, name, color string) (domain.Store, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Store{}, errors.New("store name is required")
	}
	var out domain.Store
	err := s.mutate(ctx, func(doc *Document) error {
		var maxID int64
		for _, st := range doc.Stores {
			if st.ID > maxID {
				maxID = st.ID
			}
		}
		out = domain.Store{ID: maxID + 1, Name: name, Color: color, Password: domain.DefaultStorePassword, Active: true}
		doc.Stores = append(doc.Stores, out)
		return nil
	})
	if err != nil {
		return domain.Store{}, classify(err)
	}
	return out, nil
}

type StorePatch struct {
	Name     *string
	Color    *string
	Password *string
}

func (s *Store) UpdateStore(ctx context.Context, id int64, p StorePatch) (domain.Store, error) {
	var out domain.Store
	err := s.mutate(ctx, func(doc *Document) error {
		for i := range doc.Stores {
			if doc.Stores[i].ID != id {
				continue
			}
			if p.Name != nil {
				doc.Stores[i].Name = *p.Name
			}
			if p.Color != nil {
				doc.Stores[i].Color = *p.Color
			}
			if p.Password != nil {
				doc.Stores[i].Password = *p.Password
			}
			out = doc.Stores[i]
			return nil
		}
		return fmt.Errorf("store %d: %w", id, store.ErrNotFound)
	})
	if err != nil {
		return domain.Store{}, classify(err)
	}
	return out, nil
}

// DeactivateStore hides a store. Stores are never removed so old appointments
// keep resolving their store.
func (s *Store) DeactivateStore(ctx context.Context, id int64) error {
	return classify(s.mutate(ctx, func(doc *Document) error {
		for i := range doc.Stores {
			if doc.Stores[i].ID == id {
				doc.Stores[i].Active = false
				return nil
			}
		}
		return fmt.Errorf("store %d: %w", id, store.ErrNotFound)
	}))
}

// Authenticate compares password with the store's password as plain text.
func (s *Store) Authenticate(ctx context.Context, id int64, password string) (domain.Store, error) {
	st, err := s.Store(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Store{}, fmt.Errorf("store %d: %w", id, store.ErrUnauthorized)
		}
		return domain.Store{}, err
	}
	if !st.Active || st.Password != password {
		return domain.Store{}, fmt.Errorf("store %d: %w", id, store.ErrUnauthorized)
	}
	return st, nil
}

func (s *Store) Clients(ctx context.Context) ([]domain.Client, error) {
	doc, err := s.Document(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return doc.Clients, nil
}

// SearchClients matches query against the name, case-insensitively, and the
// phone digits.
func (s *Store) SearchClients(ctx context.Context, query string) ([]domain.Client, error) {
	clients, err := s.Clients(ctx)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	digits := domain.DigitsOnly(query)
	var out []domain.Client
	for _, c := range clients {
		if strings.Contains(strings.ToLower(c.Name), q) || (digits != "" && strings.Contains(c.Phone, digits)) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) AddClient(ctx context.Context, c domain.Client) (domain.Client, error) {
	c.Phone = domain.DigitsOnly(c.Phone)
	err := s.mutate(ctx, func(doc *Document) error {
		c.ID = domain.NewID()
		c.CreatedAt = time.Now().UTC()
		doc.Clients = append(doc.Clients, c)
		return nil
	})
	if err != nil {
		return domain.Client{}, classify(err)
	}
	return c, nil
}

// RememberClient adds the client to the book unless the phone is already known.
func (s *Store) RememberClient(ctx context.Context, name, phone string) error {
	return classify(s.mutate(ctx, func(doc *Document) error {
		ensureClient(doc, strings.TrimSpace(name), phone)
		return nil
	}))
}

func (s *Store) DeleteClient(ctx context.Context, id int64) error {
	return classify(s.mutate(ctx, func(doc *Document) error {
		for i := range doc.Clients {
			if doc.Clients[i].ID == id {
				doc.Clients = append(doc.Clients[:i], doc.Clients[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("client %d: %w", id, store.ErrNotFound)
	}))
}

func (s *Store) Settings(ctx context.Context) (Settings, error) {
	doc, err := s.Document(ctx)
	if err != nil {
		return Settings{}, classify(err)
	}
	return doc.Settings, nil
}

func (s *Store) UpdateSettings(ctx context.Context, fn func(*Settings)) error {
	return classify(s.mutate(ctx, func(doc *Document) error {
		fn(&doc.Settings)
		return nil
	}))
}

func ensureClient(doc *Document, name, phone string) {
	phone = domain.DigitsOnly(phone)
	if phone == "" {
		return
	}
	for _, c := range doc.Clients {
		if c.Phone == phone {
			return
		}
	}
	doc.Clients = append(doc.Clients, domain.Client{
		ID:        domain.NewID(),
		Name:      name,
		Phone:     phone,
		CreatedAt: time.Now().UTC(),
	})
}

func findStore(stores []domain.Store, id int64) (domain.Store, bool) {
	for _, st := range stores {
		if st.ID == id {
			return st, true
		}
	}
	return domain.Store{}, false
}
