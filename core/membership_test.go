package core

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMembershipTracker_Login(t *testing.T) {
	f := newRoomFixture(t, nil)

	p, err := f.members.Login("s1", "  alice ", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, RoleMember, p.Role)
	assert.True(t, p.Online)
	assert.True(t, f.members.IsOnline("alice"))

	_, err = f.members.Login("s2", "", RoleMember)
	assert.ErrorIs(t, err, ErrInvalidUsername)
	_, err = f.members.Login("s2", strings.Repeat("x", 33), RoleMember)
	assert.ErrorIs(t, err, ErrInvalidUsername)
	_, err = f.members.Login("s2", "bob", "root")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	r := f.createRoom("lobby", 0, "")
	f.join("s1", r.ID)
	p, err = f.members.Login("s1", "alice2", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, r.ID, p.RoomID, "login again keeps the room")
	assert.Equal(t, RoleAdmin, p.Role)
}

func TestMembershipTracker_JoinErrors(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("lobby", 0, "")

	_, err := f.members.Join("ghost", r.ID, "")
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	f.login("s1", "alice", RoleMember)
	_, err = f.members.Join("s1", "missing", "")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestMembershipTracker_CapacityScenario(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("pair", 2, "")
	f.login("a", "alice", RoleMember)
	f.login("b", "bob", RoleMember)
	f.login("c", "carol", RoleMember)

	res, err := f.members.Join("a", r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Room.Count)

	res, err = f.members.Join("b", r.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Room.Count)

	_, err = f.members.Join("c", r.ID, "")
	require.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, KindCapacity, KindOf(err))

	got, _ := f.rooms.Get(r.ID)
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, 2, f.members.MemberCount(r.ID))
	assert.False(t, f.members.IsMember("c", r.ID))
}

func TestMembershipTracker_PasswordScenario(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("secret", 0, "abc")
	f.login("s1", "alice", RoleMember)

	_, err := f.members.Join("s1", r.ID, "xyz")
	require.ErrorIs(t, err, ErrInvalidPassword)
	assert.Equal(t, KindAuthorization, KindOf(err))
	assert.False(t, f.members.IsMember("s1", r.ID))

	_, err = f.members.Join("s1", r.ID, "abc")
	require.NoError(t, err)
	assert.True(t, f.members.IsMember("s1", r.ID))
}

func TestMembershipTracker_FullIsReportedBeforePassword(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("secret", 2, "abc")
	f.login("a", "alice", RoleMember)
	f.login("b", "bob", RoleMember)
	f.login("c", "carol", RoleMember)
	_, err := f.members.Join("a", r.ID, "abc")
	require.NoError(t, err)
	_, err = f.members.Join("b", r.ID, "abc")
	require.NoError(t, err)

	_, err = f.members.Join("c", r.ID, "wrong")
	assert.ErrorIs(t, err, ErrRoomFull)
}

func TestMembershipTracker_ImplicitLeave(t *testing.T) {
	f := newRoomFixture(t, nil)
	a := f.createRoom("a", 0, "")
	b := f.createRoom("b", 0, "")
	f.login("s1", "alice", RoleMember)
	f.login("s2", "bob", RoleMember)
	f.join("s1", a.ID)
	f.join("s2", a.ID)

	res, err := f.members.Join("s1", b.ID, "")
	require.NoError(t, err)
	require.NotNil(t, res.Previous)
	assert.Equal(t, a.ID, res.Previous.Room.ID)
	assert.Equal(t, 1, res.Previous.Room.Count)
	assert.Equal(t, "alice", res.Previous.Participant.Username)
	assert.Equal(t, 1, res.Room.Count)

	assert.False(t, f.members.IsMember("s1", a.ID))
	assert.True(t, f.members.IsMember("s1", b.ID))
	ra, _ := f.rooms.Get(a.ID)
	assert.Equal(t, 1, ra.Count)
}

func TestMembershipTracker_ImplicitLeaveKeepsOldRoomWhenNewIsFull(t *testing.T) {
	f := newRoomFixture(t, nil)
	a := f.createRoom("a", 0, "")
	full := f.createRoom("full", 2, "")
	f.login("s1", "alice", RoleMember)
	f.login("x", "x", RoleMember)
	f.login("y", "y", RoleMember)
	f.join("s1", a.ID)
	f.join("x", full.ID)
	f.join("y", full.ID)

	_, err := f.members.Join("s1", full.ID, "")
	require.ErrorIs(t, err, ErrRoomFull)
	assert.True(t, f.members.IsMember("s1", a.ID))
}

func TestMembershipTracker_RejoinIsIdempotent(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("lobby", 0, "abc")
	f.login("s1", "alice", RoleMember)
	_, err := f.members.Join("s1", r.ID, "abc")
	require.NoError(t, err)

	res, err := f.members.Join("s1", r.ID, "")
	require.NoError(t, err)
	assert.True(t, res.AlreadyJoined)
	assert.Nil(t, res.Previous)
	assert.Equal(t, 1, res.Room.Count)
}

func TestMembershipTracker_LeaveAndDisconnect(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("lobby", 0, "")
	f.login("s1", "alice", RoleMember)
	f.login("s2", "bob", RoleMember)

	_, ok := f.members.Leave("s1")
	assert.False(t, ok, "leave without a room is a no-op")

	f.join("s1", r.ID)
	f.join("s2", r.ID)

	res, ok := f.members.Leave("s1")
	require.True(t, ok)
	assert.Equal(t, r.ID, res.Room.ID)
	assert.Equal(t, 1, res.Room.Count)
	assert.Equal(t, r.ID, res.Participant.RoomID)

	res, ok = f.members.Disconnect("s2")
	require.True(t, ok)
	assert.Equal(t, 0, res.Room.Count)
	assert.False(t, res.Participant.Online)

	_, ok = f.members.Participant("s2")
	assert.False(t, ok)
	assert.False(t, f.members.IsOnline("bob"))

	_, ok = f.rooms.Get(r.ID)
	assert.True(t, ok, "empty room is kept")
}

func TestMembershipTracker_Members(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("lobby", 0, "")
	for i, name := range []string{"alice", "bob", "carol"} {
		s := fmt.Sprintf("s%d", i)
		f.login(s, name, RoleMember)
		f.join(s, r.ID)
	}

	members := f.members.Members(r.ID)
	require.Len(t, members, 3)
	names := []string{members[0].Username, members[1].Username, members[2].Username}
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, names)
	assert.ElementsMatch(t, []string{"s0", "s1", "s2"}, f.members.SessionsIn(r.ID))
	assert.Empty(t, f.members.Members("missing"))
}

func TestMembershipTracker_ConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	f := newRoomFixture(t, nil)
	r := f.createRoom("race", 5, "")

	const n = 50
	for i := 0; i < n; i++ {
		f.login(fmt.Sprint(i), fmt.Sprint("user", i), RoleMember)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var joined, full int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(s string) {
			defer wg.Done()
			_, err := f.members.Join(s, r.ID, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case KindOf(err) == KindCapacity:
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprint(i))
	}
	wg.Wait()

	assert.Equal(t, 5, joined)
	assert.Equal(t, n-5, full)
	got, _ := f.rooms.Get(r.ID)
	assert.Equal(t, 5, got.Count)
	assert.Equal(t, 5, f.members.MemberCount(r.ID))
}
