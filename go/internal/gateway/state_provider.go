package gateway

import (
	"context"

	"github.com/mcdev12/hanoiboard/go/internal/models"
)

// StateProvider is what the gateway needs from the instance store. *instance.App
// implements it.
type StateProvider interface {
	GetConfig(ctx context.Context) (models.Config, error)
	GetActiveMeta(ctx context.Context) (models.InstanceMeta, error)
	MutateActiveMeta(ctx context.Context, fn func(meta *models.InstanceMeta)) (models.InstanceMeta, error)
	GetActiveData(ctx context.Context) (models.HanoiData, error)
	SetActiveData(ctx context.Context, data models.HanoiData) (models.HanoiData, error)
	CheckToken(ctx context.Context, value string) (int64, bool, error)
	ListInstances(ctx context.Context) (models.InstanceList, error)
	SwitchActiveInstance(ctx context.Context, name string) (bool, error)
}

// BackupClient receives a copy of the leaderboards after every persisted change.
type BackupClient interface {
	PostData(ctx context.Context, url string, data models.HanoiData) error
}
