package sink

import (
	"testing"

	"github.com/trafficwatch/edge-handler/internal/record"
)

func TestBuildRequestTypesFields(t *testing.T) {
	rec := record.New(record.TypeVehicle2K)
	rec[record.KeyCarID2K] = "777"
	rec[record.KeyLaneNo] = "2"
	rec[record.KeyTurnSpeed] = "54.5"
	rec[record.KeyVehicleClass] = record.Null

	body := buildRequest(rec, rpcCalls[record.TypeVehicle2K])

	if body[record.KeyCarID2K] != "777" {
		t.Errorf("car_id_2k = %v", body[record.KeyCarID2K])
	}
	if body[record.KeyLaneNo] != 2 {
		t.Errorf("lane_no = %v (%T), want int 2", body[record.KeyLaneNo], body[record.KeyLaneNo])
	}
	if body[record.KeyTurnSpeed] != 54.5 {
		t.Errorf("turn_speed = %v (%T), want float 54.5", body[record.KeyTurnSpeed], body[record.KeyTurnSpeed])
	}
	if _, ok := body[record.KeyVehicleClass]; ok {
		t.Error("NULL field included in request body")
	}
	if _, ok := body[record.KeyStopPassTime]; ok {
		t.Error("absent field included in request body")
	}
}

func TestEveryShapeHasAMethod(t *testing.T) {
	shapes := []string{
		record.TypeVehicle2K, record.TypeVehicle4K, record.TypeVehicleRaw4K,
		record.TypeMerge, record.TypePed,
		record.TypeApproachStats, record.TypeTurnTypesStats,
		record.TypeLanesStats, record.TypeVehicleTypesStats,
		record.TypeApproachQueue, record.TypeLanesQueue,
		record.TypeIncidentStart, record.TypeIncidentEnd,
	}
	for _, shape := range shapes {
		call, ok := rpcCalls[shape]
		if !ok {
			t.Errorf("shape %q has no RPC method", shape)
			continue
		}
		if call.method == "" || len(call.fields) == 0 {
			t.Errorf("shape %q has an empty call definition", shape)
		}
	}
}
