package roles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable_Targets(t *testing.T) {
	tbl := DefaultTable("/nasjpour")

	mgr, ok := tbl.Lookup(Manager)
	require.True(t, ok)
	assert.Equal(t, "/nasjpour/pages/manager/reports.html", mgr.Target)
	assert.Equal(t, "SHOW_MANAGER_NOTIFICATION", mgr.SubmitType())
	assert.Equal(t, "MANAGER_NOTIFICATION", mgr.BroadcastType())

	sup, ok := tbl.Lookup(Supervisor)
	require.True(t, ok)
	assert.Equal(t, "/nasjpour/pages/supervisor/RequestsScreen.html", sup.Target)

	wh, ok := tbl.Lookup(Warehouse)
	require.True(t, ok)
	assert.Equal(t, "ANBAR_NOTIFICATION", wh.BroadcastType())
}

func TestDefaultTable_RootBase(t *testing.T) {
	tbl := DefaultTable("")
	mgr, _ := tbl.Lookup(Manager)
	assert.Equal(t, "/pages/manager/reports.html", mgr.Target)
	assert.Equal(t, "/icons/icon-192x192.png", mgr.Icon)
}

func TestProfile_Matches(t *testing.T) {
	tbl := DefaultTable("/nasjpour")
	mgr, _ := tbl.Lookup(Manager)
	sup, _ := tbl.Lookup(Supervisor)

	tests := []struct {
		url     string
		manager bool
		super   bool
	}{
		{"https://app.example/nasjpour/pages/manager/reports.html", true, false},
		{"https://app.example/nasjpour/pages/manager/dashboard.html", true, false},
		{"https://app.example/reports.html?x=1", true, false},
		{"https://app.example/nasjpour/pages/supervisor/RequestsScreen.html", false, true},
		{"https://app.example/nasjpour/pages/superviser/index.html", false, true},
		{"https://app.example/nasjpour/index.html", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.manager, mgr.Matches(tt.url))
			assert.Equal(t, tt.super, sup.Matches(tt.url))
		})
	}
}

func TestProfile_Body(t *testing.T) {
	mgr, _ := DefaultTable("").Lookup(Manager)
	assert.Equal(t, "گزارش جدید: Press-3", mgr.Body("Press-3"))
	assert.Equal(t, "گزارش مدیریتی جدید", mgr.Body("  "))
}

func TestTable_FromSubmitType(t *testing.T) {
	tbl := DefaultTable("")

	r, ok := tbl.FromSubmitType("SHOW_ANBAR_NOTIFICATION")
	require.True(t, ok)
	assert.Equal(t, Warehouse, r)

	_, ok = tbl.FromSubmitType("SHOW_JANITOR_NOTIFICATION")
	assert.False(t, ok)
	_, ok = tbl.FromSubmitType("MANAGER_NOTIFICATION")
	assert.False(t, ok)
}

func TestTable_Parse(t *testing.T) {
	tbl := DefaultTable("")

	for in, want := range map[string]Role{
		"manager":    Manager,
		"Supervisor": Supervisor,
		"ANBAR":      Warehouse,
		"warehouse":  Warehouse,
		" operator ": Operator,
	} {
		got, err := tbl.Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := tbl.Parse("admin")
	assert.Error(t, err)
}

func TestTable_Resolve(t *testing.T) {
	tbl := DefaultTable("/nasjpour")

	r, ok := tbl.Resolve("/nasjpour/pages/anbar/requests.html")
	require.True(t, ok)
	assert.Equal(t, Warehouse, r)

	_, ok = tbl.Resolve("/nasjpour/login.html")
	assert.False(t, ok)
}
