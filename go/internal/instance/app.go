package instance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hanoiboard/go/internal/models"
)

const (
	// DefaultInstanceName is created on first start and is the initial active instance.
	DefaultInstanceName = "_default"
	// MinTokenLength is the shortest accepted access token.
	MinTokenLength = 4

	maxCASAttempts = 5
)

// App holds instances, config and tokens on top of a Store.
type App struct {
	store Store
	clock clockwork.Clock
}

// NewApp creates a new instance App
func NewApp(store Store, clock clockwork.Clock) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{
		store: store,
		clock: clock,
	}
}

// Bootstrap writes the default config, the default instance and the active pointer when
// they are missing. It is safe to call on every start.
func (a *App) Bootstrap(ctx context.Context) (models.Config, error) {
	raw, err := json.Marshal(models.DefaultConfig())
	if err != nil {
		return models.Config{}, fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := a.store.Commit(ctx, Set(configKey, raw).IfAbsent()); err != nil && !errors.Is(err, ErrVersionMismatch) {
		return models.Config{}, unavailable("write default config", err)
	}

	if _, err := a.CreateInstance(ctx, DefaultInstanceName); err != nil {
		return models.Config{}, err
	}

	active, err := a.ActiveName(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		active = ""
	case err != nil:
		return models.Config{}, err
	}
	exists := false
	if active != "" {
		if exists, err = a.InstanceExists(ctx, active); err != nil {
			return models.Config{}, err
		}
	}
	if !exists {
		log.Info().Str("instance", DefaultInstanceName).Msg("setting active instance")
		if err := a.setActiveName(ctx, DefaultInstanceName); err != nil {
			return models.Config{}, err
		}
	}

	return a.GetConfig(ctx)
}

// CreateInstance writes a fresh instance. It returns false when the name is taken.
func (a *App) CreateInstance(ctx context.Context, name string) (bool, error) {
	if err := validateName(name, "name"); err != nil {
		return false, err
	}
	inst := models.NewInstance()
	if err := a.writeInstance(ctx, name, inst, Set(MetaKey(name), nil).IfAbsent()); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return false, nil
		}
		return false, err
	}

	log.Info().Str("instance", name).Msg("created instance")
	return true, nil
}

// InstanceExists reports whether an instance with name exists
func (a *App) InstanceExists(ctx context.Context, name string) (bool, error) {
	_, ok, err := a.store.Get(ctx, MetaKey(name))
	if err != nil {
		return false, unavailable("read instance meta", err)
	}
	return ok, nil
}

// ListInstanceNames returns all instance names, sorted
func (a *App) ListInstanceNames(ctx context.Context) ([]string, error) {
	entries, err := a.store.List(ctx, instancesPrefix)
	if err != nil {
		return nil, unavailable("list instances", err)
	}

	var names []string
	for _, e := range entries {
		if len(e.Key) == 3 && e.Key[2] == metaSegment {
			names = append(names, e.Key[1])
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListInstances returns the instance names together with the active one
func (a *App) ListInstances(ctx context.Context) (models.InstanceList, error) {
	names, err := a.ListInstanceNames(ctx)
	if err != nil {
		return models.InstanceList{}, err
	}
	current, err := a.ActiveName(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.InstanceList{}, err
	}
	if names == nil {
		names = []string{}
	}
	return models.InstanceList{Instances: names, Current: current}, nil
}

// ActiveName returns the name of the active instance
func (a *App) ActiveName(ctx context.Context) (string, error) {
	entry, ok, err := a.store.Get(ctx, activeNameKey)
	if err != nil {
		return "", unavailable("read active instance", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: no active instance", ErrNotFound)
	}
	var name string
	if err := json.Unmarshal(entry.Value, &name); err != nil {
		return "", fmt.Errorf("%w: malformed active instance name", ErrNotFound)
	}
	return name, nil
}

// SwitchActiveInstance points the active instance at name. It returns false and changes
// nothing when name does not exist.
func (a *App) SwitchActiveInstance(ctx context.Context, name string) (bool, error) {
	meta, ok, err := a.store.Get(ctx, MetaKey(name))
	if err != nil {
		return false, unavailable("read instance meta", err)
	}
	if !ok {
		return false, nil
	}

	raw, err := json.Marshal(name)
	if err != nil {
		return false, fmt.Errorf("failed to marshal instance name: %w", err)
	}
	err = a.store.Commit(ctx, Check(MetaKey(name), meta.Version), Set(activeNameKey, raw))
	if errors.Is(err, ErrVersionMismatch) {
		// deleted between the read and the commit
		return false, nil
	}
	if err != nil {
		return false, unavailable("switch active instance", err)
	}

	log.Info().Str("instance", name).Msg("switched active instance")
	return true, nil
}

// DeleteInstance removes an instance. The active instance cannot be deleted.
func (a *App) DeleteInstance(ctx context.Context, name string) error {
	active, ok, err := a.store.Get(ctx, activeNameKey)
	if err != nil {
		return unavailable("read active instance", err)
	}
	var activeName string
	if ok {
		_ = json.Unmarshal(active.Value, &activeName)
	}
	if ok && activeName == name {
		return fmt.Errorf("%w: Active instance cannot be deleted.", ErrInvalidOperation)
	}

	meta, exists, err := a.store.Get(ctx, MetaKey(name))
	if err != nil {
		return unavailable("read instance meta", err)
	}
	if !exists {
		return fmt.Errorf("%w: Instance does not exist.", ErrNotFound)
	}

	mutations := []Mutation{
		Delete(MetaKey(name)).IfVersion(meta.Version),
		Delete(DataKey(name)),
	}
	if ok {
		mutations = append(mutations, Check(activeNameKey, active.Version))
	} else {
		mutations = append(mutations, Check(activeNameKey, 0))
	}
	if err := a.store.Commit(ctx, mutations...); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return fmt.Errorf("%w: Instance changed during delete.", ErrConflict)
		}
		return unavailable("delete instance", err)
	}

	log.Info().Str("instance", name).Msg("deleted instance")
	return nil
}

// CloneInstance copies the metadata and data of from into a new instance to.
func (a *App) CloneInstance(ctx context.Context, from, to string) error {
	if err := validateName(from, "from"); err != nil {
		return err
	}
	if err := validateName(to, "to"); err != nil {
		return err
	}

	src, err := a.ExportInstance(ctx, from)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: Source instance does not exist.", ErrNotFound)
	}
	if err != nil {
		return err
	}
	srcMeta, ok, err := a.store.Get(ctx, MetaKey(from))
	if err != nil {
		return unavailable("read instance meta", err)
	}
	if !ok {
		return fmt.Errorf("%w: Source instance does not exist.", ErrNotFound)
	}

	err = a.writeInstance(ctx, to, src,
		Set(MetaKey(to), nil).IfAbsent(),
		Check(MetaKey(from), srcMeta.Version),
	)
	if errors.Is(err, ErrVersionMismatch) {
		exists, existsErr := a.InstanceExists(ctx, to)
		if existsErr == nil && !exists {
			return fmt.Errorf("%w: Source instance changed during clone.", ErrConflict)
		}
		return fmt.Errorf("%w: Target name is already in use.", ErrConflict)
	}
	if err != nil {
		return err
	}

	log.Info().Str("from", from).Str("to", to).Msg("cloned instance")
	return nil
}

// ExportInstance returns the metadata and data of an instance
func (a *App) ExportInstance(ctx context.Context, name string) (models.Instance, error) {
	meta, err := a.getMeta(ctx, name)
	if err != nil {
		return models.Instance{}, err
	}
	data, err := a.GetData(ctx, name)
	if err != nil {
		return models.Instance{}, err
	}
	return models.Instance{Meta: meta, Data: data}, nil
}

// ImportInstance writes inst under name. Unless overwrite is set the name must be free.
func (a *App) ImportInstance(ctx context.Context, name string, inst models.Instance, overwrite bool) error {
	if err := validateName(name, "name"); err != nil {
		return err
	}
	if inst.Meta.TimeLimits == nil {
		inst.Meta = models.DefaultMeta()
	}
	inst.Data = inst.Data.Normalize()

	guard := Set(MetaKey(name), nil)
	if !overwrite {
		guard = guard.IfAbsent()
	}
	err := a.writeInstance(ctx, name, inst, guard)
	if errors.Is(err, ErrVersionMismatch) {
		return fmt.Errorf("%w: Name is already in use.", ErrConflict)
	}
	if err != nil {
		return err
	}

	log.Info().Str("instance", name).Bool("overwrite", overwrite).Msg("imported instance")
	return nil
}

// GetData returns the leaderboards of the named instance
func (a *App) GetData(ctx context.Context, name string) (models.HanoiData, error) {
	exists, err := a.InstanceExists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: Instance does not exist.", ErrNotFound)
	}

	entry, ok, err := a.store.Get(ctx, DataKey(name))
	if err != nil {
		return nil, unavailable("read instance data", err)
	}
	if !ok {
		return models.EmptyData(), nil
	}

	var data models.HanoiData
	if err := json.Unmarshal(entry.Value, &data); err != nil {
		log.Warn().Err(err).Str("instance", name).Msg("malformed stored data, using empty leaderboards")
		return models.EmptyData(), nil
	}
	return data.Normalize(), nil
}

// GetActiveData returns the leaderboards of the active instance
func (a *App) GetActiveData(ctx context.Context) (models.HanoiData, error) {
	name, err := a.ActiveName(ctx)
	if err != nil {
		return nil, err
	}
	return a.GetData(ctx, name)
}

// SetActiveData sorts and stores the leaderboards of the active instance. Last write wins.
func (a *App) SetActiveData(ctx context.Context, data models.HanoiData) (models.HanoiData, error) {
	name, err := a.ActiveName(ctx)
	if err != nil {
		return nil, err
	}

	data = data.Normalize()
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := a.store.Commit(ctx, Set(DataKey(name), raw)); err != nil {
		return nil, unavailable("write instance data", err)
	}
	return data, nil
}

// GetActiveMeta returns the metadata of the active instance
func (a *App) GetActiveMeta(ctx context.Context) (models.InstanceMeta, error) {
	name, err := a.ActiveName(ctx)
	if err != nil {
		return models.InstanceMeta{}, err
	}
	return a.getMeta(ctx, name)
}

// MutateActiveMeta applies fn to the active instance's metadata with compare-and-swap,
// retrying when another writer got there first.
func (a *App) MutateActiveMeta(ctx context.Context, fn func(meta *models.InstanceMeta)) (models.InstanceMeta, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		name, err := a.ActiveName(ctx)
		if err != nil {
			return models.InstanceMeta{}, err
		}
		entry, ok, err := a.store.Get(ctx, MetaKey(name))
		if err != nil {
			return models.InstanceMeta{}, unavailable("read instance meta", err)
		}
		if !ok {
			return models.InstanceMeta{}, fmt.Errorf("%w: Instance does not exist.", ErrNotFound)
		}

		meta := decodeMeta(entry.Value, name)
		fn(&meta)
		raw, err := json.Marshal(meta)
		if err != nil {
			return models.InstanceMeta{}, fmt.Errorf("failed to marshal meta: %w", err)
		}

		err = a.store.Commit(ctx, Set(MetaKey(name), raw).IfVersion(entry.Version))
		if errors.Is(err, ErrVersionMismatch) {
			log.Debug().Str("instance", name).Int("attempt", attempt+1).Msg("meta changed concurrently, retrying")
			continue
		}
		if err != nil {
			return models.InstanceMeta{}, unavailable("write instance meta", err)
		}
		return meta, nil
	}
	return models.InstanceMeta{}, fmt.Errorf("%w: Metadata kept changing after %d attempts.", ErrConflict, maxCASAttempts)
}

// GetConfig returns the stored config, falling back to defaults for missing fields
func (a *App) GetConfig(ctx context.Context) (models.Config, error) {
	cfg, _, err := a.getConfigEntry(ctx)
	return cfg, err
}

// SetConfig merges patch into the stored config and returns the result.
func (a *App) SetConfig(ctx context.Context, patch models.ConfigPatch) (models.Config, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, version, err := a.getConfigEntry(ctx)
		if err != nil {
			return models.Config{}, err
		}

		next := patch.Apply(current)
		if err := next.Validate(); err != nil {
			return models.Config{}, err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return models.Config{}, fmt.Errorf("failed to marshal config: %w", err)
		}

		err = a.store.Commit(ctx, Set(configKey, raw).IfVersion(version))
		if errors.Is(err, ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return models.Config{}, unavailable("write config", err)
		}

		log.Info().
			Str("input_access", string(next.InputAccess)).
			Str("output_access", string(next.OutputAccess)).
			Msg("config updated")
		return next, nil
	}
	return models.Config{}, fmt.Errorf("%w: Config kept changing after %d attempts.", ErrConflict, maxCASAttempts)
}

// CreateToken stores an access token valid until expiresAt (epoch ms). An existing token
// with the same value is overwritten.
func (a *App) CreateToken(ctx context.Context, value string, expiresAt int64) error {
	if utf8.RuneCountInString(value) < MinTokenLength {
		return models.NewValidationError(fmt.Sprintf("Tokens must be at least %d characters long.", MinTokenLength))
	}
	if err := a.writeToken(ctx, value, expiresAt, nil); err != nil {
		return err
	}
	log.Info().Int64("expires_at", expiresAt).Msg("created token")
	return nil
}

// ModifyToken changes the expiry of an existing token
func (a *App) ModifyToken(ctx context.Context, value string, expiresAt int64) error {
	entry, ok, err := a.store.Get(ctx, tokenKey(value))
	if err != nil {
		return unavailable("read token", err)
	}
	if !ok {
		return fmt.Errorf("%w: Token does not exist.", ErrNotFound)
	}
	version := entry.Version
	return a.writeToken(ctx, value, expiresAt, &version)
}

// DeleteToken removes a token
func (a *App) DeleteToken(ctx context.Context, value string) error {
	entry, ok, err := a.store.Get(ctx, tokenKey(value))
	if err != nil {
		return unavailable("read token", err)
	}
	if !ok {
		return fmt.Errorf("%w: Token does not exist.", ErrNotFound)
	}
	err = a.store.Commit(ctx, Delete(tokenKey(value)).IfVersion(entry.Version))
	if errors.Is(err, ErrVersionMismatch) {
		return fmt.Errorf("%w: Token changed during delete.", ErrConflict)
	}
	if err != nil {
		return unavailable("delete token", err)
	}
	return nil
}

// ListTokens returns every stored token with its expiry, including expired ones
func (a *App) ListTokens(ctx context.Context) (map[string]int64, error) {
	entries, err := a.store.List(ctx, tokensPrefix)
	if err != nil {
		return nil, unavailable("list tokens", err)
	}

	tokens := make(map[string]int64, len(entries))
	for _, e := range entries {
		if len(e.Key) != 2 {
			continue
		}
		var expiresAt int64
		if err := json.Unmarshal(e.Value, &expiresAt); err != nil {
			log.Warn().Err(err).Msg("skipping malformed token entry")
			continue
		}
		tokens[e.Key[1]] = expiresAt
	}
	return tokens, nil
}

// CheckToken returns the expiry of a valid token. Missing, expired and malformed tokens
// are all reported as invalid.
func (a *App) CheckToken(ctx context.Context, value string) (int64, bool, error) {
	if value == "" {
		return 0, false, nil
	}
	entry, ok, err := a.store.Get(ctx, tokenKey(value))
	if err != nil {
		return 0, false, unavailable("read token", err)
	}
	if !ok {
		return 0, false, nil
	}
	var expiresAt int64
	if err := json.Unmarshal(entry.Value, &expiresAt); err != nil {
		return 0, false, nil
	}
	if a.clock.Now().UnixMilli() >= expiresAt {
		return 0, false, nil
	}
	return expiresAt, true, nil
}

// Ping checks that the backing store is reachable
func (a *App) Ping(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return unavailable("ping store", err)
	}
	return nil
}

func (a *App) setActiveName(ctx context.Context, name string) error {
	raw, err := json.Marshal(name)
	if err != nil {
		return fmt.Errorf("failed to marshal instance name: %w", err)
	}
	if err := a.store.Commit(ctx, Set(activeNameKey, raw)); err != nil {
		return unavailable("write active instance", err)
	}
	return nil
}

// writeInstance commits meta and data of inst under name. guard replaces the plain meta
// write and carries its precondition; extra mutations are committed alongside.
func (a *App) writeInstance(ctx context.Context, name string, inst models.Instance, guard Mutation, extra ...Mutation) error {
	metaRaw, err := json.Marshal(inst.Meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}
	dataRaw, err := json.Marshal(inst.Data.Normalize())
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	guard.Value = metaRaw
	mutations := append([]Mutation{guard, Set(DataKey(name), dataRaw)}, extra...)
	if err := a.store.Commit(ctx, mutations...); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			return err
		}
		return unavailable("write instance", err)
	}
	return nil
}

func (a *App) writeToken(ctx context.Context, value string, expiresAt int64, version *int64) error {
	raw, err := json.Marshal(expiresAt)
	if err != nil {
		return fmt.Errorf("failed to marshal token expiry: %w", err)
	}
	m := Set(tokenKey(value), raw)
	m.ExpectVersion = version
	err = a.store.Commit(ctx, m)
	if errors.Is(err, ErrVersionMismatch) {
		return fmt.Errorf("%w: Token changed during update.", ErrConflict)
	}
	if err != nil {
		return unavailable("write token", err)
	}
	return nil
}

func (a *App) getMeta(ctx context.Context, name string) (models.InstanceMeta, error) {
	entry, ok, err := a.store.Get(ctx, MetaKey(name))
	if err != nil {
		return models.InstanceMeta{}, unavailable("read instance meta", err)
	}
	if !ok {
		return models.InstanceMeta{}, fmt.Errorf("%w: Instance does not exist.", ErrNotFound)
	}
	return decodeMeta(entry.Value, name), nil
}

func (a *App) getConfigEntry(ctx context.Context) (models.Config, int64, error) {
	entry, ok, err := a.store.Get(ctx, configKey)
	if err != nil {
		return models.Config{}, 0, unavailable("read config", err)
	}
	cfg := models.DefaultConfig()
	if !ok {
		return cfg, 0, nil
	}
	if err := json.Unmarshal(entry.Value, &cfg); err != nil {
		log.Warn().Err(err).Msg("malformed stored config, using defaults")
		cfg = models.DefaultConfig()
	}
	return cfg, entry.Version, nil
}

// decodeMeta overlays stored metadata on the defaults so older entries gain new fields.
func decodeMeta(raw json.RawMessage, name string) models.InstanceMeta {
	meta := models.DefaultMeta()
	stored := models.InstanceMeta{}
	if err := json.Unmarshal(raw, &stored); err != nil {
		log.Warn().Err(err).Str("instance", name).Msg("malformed stored meta, using defaults")
		return meta
	}
	for id, limit := range stored.TimeLimits {
		meta.TimeLimits[id] = limit
	}
	if stored.Theme != "" {
		meta.Theme = stored.Theme
	}
	if stored.Naming != "" {
		meta.Naming = stored.Naming
	}
	return meta
}

func validateName(name, field string) error {
	if name == "" {
		return models.NewValidationError(fmt.Sprintf("Name (%s) is empty.", field))
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, ErrStoreUnavailable, err)
}
