package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/containers"
	"github.com/EpicMandM/lab-session-manager/internal/credentials"
	"github.com/EpicMandM/lab-session-manager/internal/labs"
	"github.com/EpicMandM/lab-session-manager/internal/logger"
	"github.com/EpicMandM/lab-session-manager/internal/models"
	"github.com/EpicMandM/lab-session-manager/internal/probe"
	"github.com/EpicMandM/lab-session-manager/internal/slot"
	"golang.org/x/sync/singleflight"
)

// EndTimeLayout is the END_TIME format lab images parse.
const EndTimeLayout = "2006-01-02T15:04:05.000000Z"

// Environment handed to every primary container.
const (
	EnvServerName = "SERVER_NAME"
	EnvLabName    = "LAB_NAME"
	EnvUserEmail  = "USER_EMAIL"
	EnvEndTime    = "END_TIME"
	EnvSessionID  = "SESSION_ID"
)

// launchTimeout bounds one launch. The launch outlives the request that
// started it so a reload can join it.
const launchTimeout = 2 * time.Minute

// Result describes a launched (or already running) session.
type Result struct {
	SessionID string
	URL       string
	SlotEnd   time.Time
	// Reused is true when the session was already running.
	Reused bool
}

// Orchestrator launches the containers of a lab session.
type Orchestrator struct {
	Logger     *logger.Logger
	Labs       *labs.Registry
	Bookings   BookingLedger
	Runtime    ContainerRuntime
	Hooks      HookRegistry
	Teardown   TeardownScheduler
	Prober     ReadinessProber // nil disables the readiness wait
	PublicHost string
	// Cutoff closes entry this long before the slot ends, when the
	// session is already being torn down.
	Cutoff time.Duration

	flight singleflight.Group
}

// Enter starts the caller's session in the current slot of resourceKey and
// returns its access URL. A session that is already running is returned
// as is. Enter fails with models.ErrUnknownResource or
// models.ErrNoReservation for callers that may not enter, and with a
// *models.ProvisioningError when the runtime fails; nothing is rolled back.
func (o *Orchestrator) Enter(ctx context.Context, resourceKey string, user models.User, now time.Time) (*Result, error) {
	def, ok := o.Labs.Lookup(resourceKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownResource, resourceKey)
	}

	booking, err := o.Bookings.CurrentBookingFor(ctx, resourceKey, now)
	if err != nil {
		return nil, err
	}
	if !booking.OwnedBy(user.ID) {
		o.Logger.Info("Enter denied", logger.Lab(resourceKey), logger.User(user.Identity()), logger.Reason(models.ReasonNoReservation))
		return nil, models.ErrNoReservation
	}

	start := slot.Quantize(booking.SlotStart, def.SlotDuration)
	if !now.Before(slot.End(start, def.SlotDuration).Add(-o.Cutoff)) {
		o.Logger.Info("Enter denied, slot is closing",
			logger.Lab(resourceKey), logger.User(user.Identity()), logger.Reason(models.ReasonNoReservation))
		return nil, models.ErrNoReservation
	}
	sessionID := slot.SessionName(def.Key, start)

	// Double clicks and reloads collapse into one launch. Each caller waits
	// on its own context; the launch itself keeps going.
	ch := o.flight.DoChan(sessionID, func() (any, error) {
		launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), launchTimeout)
		defer cancel()
		return o.launch(launchCtx, def, user, sessionID, start)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Result), nil
	}
}

func (o *Orchestrator) launch(ctx context.Context, def labs.Definition, user models.User, sessionID string, start time.Time) (*Result, error) {
	res := &Result{
		SessionID: sessionID,
		URL:       def.AccessURL(o.PublicHost, o.Labs.ServerName(), sessionID),
		SlotEnd:   slot.End(start, def.SlotDuration),
	}

	primary, found, err := o.Runtime.Get(ctx, sessionID)
	if err != nil {
		return nil, &models.ProvisioningError{Step: "inspect", Container: sessionID, Err: err}
	}
	if found && primary.Running {
		o.Logger.Info("Session already running", logger.Session(sessionID), logger.User(user.Identity()))
		res.Reused = true
		return res, nil
	}

	current, err := o.reconcile(ctx, def.Key, sessionID)
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		ID:          sessionID,
		ResourceKey: def.Key,
		SlotStart:   start,
		SlotEnd:     res.SlotEnd,
		User:        user,
		ReadyBanner: def.ReadyBanner,
	}

	for _, aux := range def.Auxiliary {
		ref, err := o.startAuxiliary(ctx, aux, user, sessionID, current)
		if err != nil {
			return nil, err
		}
		session.Containers = append(session.Containers, ref)
	}

	ref, err := o.startPrimary(ctx, def, user, sessionID, res.SlotEnd)
	if err != nil {
		return nil, err
	}
	session.Containers = append(session.Containers, ref)

	if err := o.Teardown.Register(ctx, session); err != nil {
		o.Logger.Warn("Teardown registered without durable record", logger.Session(sessionID), logger.Error(err))
	}

	o.Logger.Info("Session started",
		logger.Session(sessionID),
		logger.Lab(def.Key),
		logger.User(user.Identity()),
		logger.Count(len(session.Containers)),
	)

	if o.Prober != nil {
		err := o.Prober.WaitReady(ctx, probe.LocalURL(def.HostPort))
		switch {
		case errors.Is(err, models.ErrProbeTimeout):
			o.Logger.Warn("Lab not ready in time", logger.Session(sessionID), logger.Error(err))
		case err != nil:
			o.Logger.Warn("Readiness probe failed", logger.Session(sessionID), logger.Error(err))
		}
	}

	return res, nil
}

// reconcile stops running containers of earlier sessions of the lab. It
// returns the running containers that already belong to sessionID, keyed
// by name.
func (o *Orchestrator) reconcile(ctx context.Context, resourceKey, sessionID string) (map[string]containers.Container, error) {
	running, err := o.Runtime.ListRunning(ctx)
	if err != nil {
		return nil, &models.ProvisioningError{Step: "reconcile", Err: err}
	}

	current := make(map[string]containers.Container)
	for _, c := range running {
		if _, ok := slot.ParseSessionName(c.Name, resourceKey); !ok {
			continue
		}
		if slot.BelongsTo(c.Name, sessionID) {
			current[c.Name] = c
			continue
		}
		o.Logger.Warn("Stopping stale session container", logger.Container(c.Name), logger.Session(sessionID))
		if err := o.Runtime.Stop(ctx, c.ID); err != nil {
			return nil, &models.ProvisioningError{Step: "reconcile", Container: c.Name, Err: err}
		}
	}
	return current, nil
}

func (o *Orchestrator) startAuxiliary(ctx context.Context, aux labs.AuxiliarySpec, user models.User, sessionID string, current map[string]containers.Container) (models.ContainerRef, error) {
	name := sessionID + "-" + aux.Name
	if c, ok := current[name]; ok {
		o.Logger.Info("Reusing auxiliary container", logger.Container(name))
		return models.ContainerRef{ID: c.ID, Name: name}, nil
	}

	env, err := o.runHook(ctx, aux.CredentialHook, credentials.Request{
		SessionID: sessionID,
		User:      user,
		Dir:       aux.HookDir,
		Volumes:   aux.Volumes,
	}, name)
	if err != nil {
		return models.ContainerRef{}, err
	}

	c, err := o.Runtime.Run(ctx, containers.RunSpec{
		Name:    name,
		Image:   aux.Image,
		Env:     env,
		Cmd:     aux.Command,
		Ports:   aux.Ports,
		Binds:   aux.Volumes,
		Network: aux.Network,
		Aliases: []string{aux.Name},
	})
	if err != nil {
		return models.ContainerRef{}, &models.ProvisioningError{Step: "auxiliary", Container: name, Err: err}
	}
	return models.ContainerRef{ID: c.ID, Name: name}, nil
}

func (o *Orchestrator) startPrimary(ctx context.Context, def labs.Definition, user models.User, sessionID string, end time.Time) (models.ContainerRef, error) {
	hookEnv, err := o.runHook(ctx, def.CredentialHook, credentials.Request{
		SessionID: sessionID,
		User:      user,
		Dir:       def.HookDir,
		Volumes:   def.Volumes,
	}, sessionID)
	if err != nil {
		return models.ContainerRef{}, err
	}

	env := make(map[string]string, len(def.Params)+len(hookEnv)+5)
	maps.Copy(env, def.Params)
	maps.Copy(env, hookEnv)
	env[EnvServerName] = o.Labs.ServerName()
	env[EnvLabName] = def.Key
	env[EnvUserEmail] = user.Identity()
	env[EnvEndTime] = end.UTC().Format(EndTimeLayout)
	env[EnvSessionID] = sessionID

	c, err := o.Runtime.Run(ctx, containers.RunSpec{
		Name:       sessionID,
		Image:      def.Image,
		Env:        env,
		Ports:      []string{fmt.Sprintf("%d:%d/tcp", def.HostPort, def.ContainerPort)},
		Binds:      def.Volumes,
		Network:    def.Network,
		Privileged: def.Privileged,
	})
	if err != nil {
		return models.ContainerRef{}, &models.ProvisioningError{Step: "primary", Container: sessionID, Err: err}
	}
	return models.ContainerRef{ID: c.ID, Name: sessionID}, nil
}

func (o *Orchestrator) runHook(ctx context.Context, name string, req credentials.Request, container string) (map[string]string, error) {
	if name == "" {
		return nil, nil
	}
	hook, ok := o.Hooks.Lookup(name)
	if !ok {
		return nil, &models.ProvisioningError{Step: "hook", Container: container, Err: fmt.Errorf("unknown credential hook %q", name)}
	}
	env, err := hook.Provision(ctx, req)
	if err != nil {
		return nil, &models.ProvisioningError{Step: "hook", Container: container, Err: err}
	}
	return env, nil
}
