package session

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Ringman3640/carla-platoon-system/internal/peer"
	"github.com/Ringman3640/carla-platoon-system/internal/platoon"
	"github.com/Ringman3640/carla-platoon-system/internal/relay"
	"github.com/Ringman3640/carla-platoon-system/internal/sim"
)

// End to end: two sessions over a real relay and the kinematic sim.
func TestTwoVehiclePlatoonOverRelay(t *testing.T) {
	r := relay.New(relay.Config{Listen: "127.0.0.1:0", Log: zap.NewNop()})
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	world := sim.NewWorld(sim.DefaultConfig())
	world.Start()
	defer world.Close()

	newSession := func(id string) (*Session, chan error) {
		veh, _ := world.Spawn()
		link := peer.NewClient(peer.Config{Addr: r.Addr().String()})
		if err := link.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
		s, err := New(Config{
			ID:      id,
			Link:    link,
			Vehicle: veh,
			Tick:    10 * time.Millisecond,
		})
		if err != nil {
			t.Fatal(err)
		}
		errCh := make(chan error, 1)
		go func() { errCh <- s.Run(context.Background()) }()
		return s, errCh
	}

	lead, leadErr := newSession("lead")
	follower, followerErr := newSession("follower")

	lead.Join()
	waitFor(t, "lead is leader", func() bool { return lead.Status().Role == platoon.RoleLeader })

	follower.Join()
	waitFor(t, "follower role", func() bool { return follower.Status().Role == platoon.RoleFollower })
	waitFor(t, "views converge", func() bool {
		return len(lead.Status().Members) == 2 && len(follower.Status().Members) == 2
	})

	// The leader leaves; the follower is promoted on every surviving view.
	lead.Leave()
	select {
	case err := <-leadErr:
		if err != nil {
			t.Fatalf("lead Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("lead did not stop")
	}
	waitFor(t, "follower promoted", func() bool {
		st := follower.Status()
		return st.Role == platoon.RoleLeader && len(st.Members) == 1
	})

	follower.Leave()
	if err := <-followerErr; err != nil {
		t.Fatalf("follower Run returned %v", err)
	}
}
