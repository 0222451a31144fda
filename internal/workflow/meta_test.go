package workflow

import "testing"

func TestSubMatchesTags(t *testing.T) {
	tests := []struct {
		name         string
		sub          Sub
		eventTags    []string
		workflowTags []string
		want         bool
	}{
		{"no filters", Sub{}, nil, nil, true},
		{"any-of hit on event tag", Sub{Tags: []string{"vip", "eu"}}, []string{"vip"}, nil, true},
		{"any-of hit on workflow tag", Sub{Tags: []string{"vip"}}, nil, []string{"vip"}, true},
		{"any-of miss", Sub{Tags: []string{"vip"}}, []string{"std"}, []string{"us"}, false},
		{"all-of hit across union", Sub{TagsAll: []string{"vip", "eu"}}, []string{"vip"}, []string{"eu"}, true},
		{"all-of partial miss", Sub{TagsAll: []string{"vip", "eu"}}, []string{"vip"}, nil, false},
		{"both filters pass", Sub{Tags: []string{"vip"}, TagsAll: []string{"eu"}}, []string{"vip"}, []string{"eu"}, true},
		{"any passes all fails", Sub{Tags: []string{"vip"}, TagsAll: []string{"eu"}}, []string{"vip"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.MatchesTags(tt.eventTags, tt.workflowTags); got != tt.want {
				t.Errorf("MatchesTags(%v, %v) = %v, want %v", tt.eventTags, tt.workflowTags, got, tt.want)
			}
		})
	}
}

func TestSubEqual(t *testing.T) {
	base := Sub{EventType: "paid", WorkflowID: "order-1", Tags: []string{"a", "b"}}

	if !base.Equal(Sub{EventType: "paid", WorkflowID: "order-1", Tags: []string{"a", "b"}}) {
		t.Error("identical subs reported unequal")
	}
	if base.Equal(Sub{EventType: "paid", WorkflowID: "order-1"}) {
		t.Error("sub without tags reported equal")
	}
	if base.Equal(Sub{EventType: "paid", WorkflowID: "order-1", Tags: []string{"b", "a"}}) {
		t.Error("tag order should matter for equality")
	}
	if base.Equal(Sub{EventType: "paid", WorkflowID: "order-2", Tags: []string{"a", "b"}}) {
		t.Error("different workflow reported equal")
	}

	empty := Sub{EventType: "paid", WorkflowID: "*"}
	if !empty.Equal(Sub{EventType: "paid", WorkflowID: "*", Tags: []string{}}) {
		t.Error("nil and empty tag slices should compare equal")
	}
}

func TestMetaCopyIsolation(t *testing.T) {
	m := Meta{
		Lifecycle:             LifecycleActive,
		Subscriptions:         []Sub{{EventType: "a", WorkflowID: "*"}},
		ExternalSubscriptions: []ExternalSub{{Topic: "t"}},
		Schedules:             []Schedule{{ID: "s1", CronExpression: "* * * * *"}},
	}

	cp := m.Copy()
	cp.Lifecycle = LifecyclePaused
	cp.Subscriptions[0] = Sub{EventType: "b", WorkflowID: "*"}
	cp.ExternalSubscriptions = append(cp.ExternalSubscriptions, ExternalSub{Topic: "u"})
	cp.Schedules[0].ID = "s2"

	if m.Lifecycle != LifecycleActive {
		t.Error("copy shared lifecycle")
	}
	if m.Subscriptions[0].EventType != "a" {
		t.Error("copy shared subscription backing array")
	}
	if len(m.ExternalSubscriptions) != 1 {
		t.Error("copy shared external subscriptions")
	}
	if m.Schedules[0].ID != "s1" {
		t.Error("copy shared schedule backing array")
	}
}
