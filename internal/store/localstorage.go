package store

import (
	"context"
	"errors"
)

// LocalStorage exposes one profile of the local_storage table as a
// browser.Storage, so state written by one command is visible to the next.
type LocalStorage struct {
	store   Store
	profile string
}

func NewLocalStorage(s Store, profile string) *LocalStorage {
	return &LocalStorage{store: s, profile: profile}
}

func (l *LocalStorage) Profile() string {
	return l.profile
}

func (l *LocalStorage) GetItem(key string) (string, bool, error) {
	v, err := l.store.GetItem(context.Background(), l.profile, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (l *LocalStorage) SetItem(key, value string) error {
	return l.store.SetItem(context.Background(), l.profile, key, value)
}

func (l *LocalStorage) RemoveItem(key string) error {
	return l.store.RemoveItem(context.Background(), l.profile, key)
}

// Items returns every key stored for the profile.
func (l *LocalStorage) Items(ctx context.Context) (map[string]string, error) {
	return l.store.ListItems(ctx, l.profile)
}
