package sink

import "github.com/trafficwatch/edge-handler/internal/record"

type fieldKind int

const (
	fieldStr fieldKind = iota
	fieldInt
	fieldFloat
)

type rpcField struct {
	key  string
	kind fieldKind
}

// rpcCall binds a record shape to its RPC method and typed field set. Fields
// the record does not carry are omitted from the request body.
type rpcCall struct {
	method string
	fields []rpcField
}

const edgeDataService = "/trafficwatch.EdgeData/"

var vehicle2KFields = []rpcField{
	{record.KeyCarID2K, fieldStr},
	{record.KeyVehicleClass, fieldStr},
	{record.KeyLaneNo, fieldInt},
	{record.KeyTurnTypeCd, fieldStr},
	{record.KeyTurnTime, fieldInt},
	{record.KeyTurnSpeed, fieldFloat},
	{record.KeyStopPassTime, fieldInt},
	{record.KeyStopSpeed, fieldFloat},
	{record.KeyIntvlSpeed, fieldFloat},
	{record.KeyFirstDetTime, fieldInt},
	{record.KeyObserveTime, fieldInt},
	{record.KeyCameraID, fieldStr},
	{record.KeyCarImageFileName, fieldStr},
}

var statsCommonFields = []rpcField{
	{record.KeyCameraID, fieldStr},
	{record.KeyHrTypeCd, fieldStr},
	{record.KeyStatsStart, fieldInt},
	{record.KeyStatsEnd, fieldInt},
	{record.KeyTotalTravel, fieldInt},
	{record.KeyAvgStopSpeed, fieldFloat},
	{record.KeyAvgIntvlSpeed, fieldFloat},
	{record.KeyAvgDensity, fieldFloat},
	{record.KeyMinDensity, fieldFloat},
	{record.KeyMaxDensity, fieldFloat},
	{record.KeyOccupancy, fieldFloat},
}

var queueCommonFields = []rpcField{
	{record.KeyCameraID, fieldStr},
	{record.KeyStatsStart, fieldInt},
	{record.KeyStatsEnd, fieldInt},
	{record.KeyRemainQueue, fieldInt},
	{record.KeyMaxQueue, fieldInt},
	{record.KeyAvgLaneOccup, fieldFloat},
	{record.KeyImageFileName, fieldStr},
}

var rpcCalls = map[string]rpcCall{
	record.TypeVehicle2K: {
		method: edgeDataService + "InsertVehicle2K",
		fields: vehicle2KFields,
	},
	record.TypeMerge: {
		method: edgeDataService + "InsertVehicleMerge",
		fields: append(append([]rpcField{}, vehicle2KFields...),
			rpcField{record.KeyCarID, fieldStr},
			rpcField{record.KeyPlateNum, fieldStr},
			rpcField{record.KeyPlateDetected, fieldStr},
			rpcField{record.KeyPlateImageName, fieldStr},
		),
	},
	record.TypeVehicleRaw4K: {
		method: edgeDataService + "InsertVehicle4K",
		fields: []rpcField{
			{record.KeyCarID4K, fieldStr},
			{record.KeyVehicleClass, fieldStr},
			{record.KeyLaneNo, fieldInt},
			{record.KeyStopPassTime, fieldInt},
			{record.KeyCameraID, fieldStr},
			{record.KeyPlateNum, fieldStr},
			{record.KeyPlateDetected, fieldStr},
			{record.KeyCarImageFileName, fieldStr},
			{record.KeyPlateImageName, fieldStr},
		},
	},
	record.TypeVehicle4K: {
		method: edgeDataService + "InsertVehicle4K",
		fields: []rpcField{
			{record.KeyCarID4K, fieldStr},
			{record.KeyVehicleClass, fieldStr},
			{record.KeyLaneNo, fieldInt},
			{record.KeyStopPassTime, fieldInt},
			{record.KeyCameraID, fieldStr},
			{record.KeyPlateNum, fieldStr},
			{record.KeyPlateDetected, fieldStr},
			{record.KeyCarImageFileName, fieldStr},
			{record.KeyPlateImageName, fieldStr},
		},
	},
	record.TypePed: {
		method: edgeDataService + "InsertPedestrian",
		fields: []rpcField{
			{record.KeyTraceID, fieldStr},
			{record.KeyDetTime, fieldInt},
			{record.KeyDirectionCd, fieldStr},
			{record.KeyCameraID, fieldStr},
		},
	},
	record.TypeApproachStats: {
		method: edgeDataService + "InsertApproachStats",
		fields: statsCommonFields,
	},
	record.TypeTurnTypesStats: {
		method: edgeDataService + "InsertTurnTypesStats",
		fields: append(append([]rpcField{}, statsCommonFields...),
			rpcField{record.KeyTurnTypeCd, fieldStr}),
	},
	record.TypeLanesStats: {
		method: edgeDataService + "InsertLanesStats",
		fields: append(append([]rpcField{}, statsCommonFields...),
			rpcField{record.KeyLaneNo, fieldInt}),
	},
	record.TypeVehicleTypesStats: {
		method: edgeDataService + "InsertVehicleTypesStats",
		fields: append(append([]rpcField{}, statsCommonFields...),
			rpcField{record.KeyVehicleClass, fieldStr}),
	},
	record.TypeApproachQueue: {
		method: edgeDataService + "InsertApproachQueue",
		fields: queueCommonFields,
	},
	record.TypeLanesQueue: {
		method: edgeDataService + "InsertLanesQueue",
		fields: append(append([]rpcField{}, queueCommonFields...),
			rpcField{record.KeyLaneNo, fieldInt}),
	},
	record.TypeIncidentStart: {
		method: edgeDataService + "InsertIncidentStart",
		fields: []rpcField{
			{record.KeyCameraID, fieldStr},
			{record.KeyIncidentStart, fieldInt},
			{record.KeyIncidentProc, fieldInt},
			{record.KeyIncidentType, fieldStr},
			{record.KeyLaneNo, fieldInt},
			{record.KeyImageFileName, fieldStr},
		},
	},
	record.TypeIncidentEnd: {
		method: edgeDataService + "InsertIncidentEnd",
		fields: []rpcField{
			{record.KeyCameraID, fieldStr},
			{record.KeyIncidentStart, fieldInt},
			{record.KeyIncidentEnd, fieldInt},
			{record.KeyIncidentType, fieldStr},
			{record.KeyLaneNo, fieldInt},
		},
	},
}

// buildRequest projects a record onto its typed RPC body.
func buildRequest(rec record.Record, call rpcCall) map[string]any {
	body := make(map[string]any, len(call.fields))
	for _, f := range call.fields {
		if !rec.Has(f.key) || rec.Str(f.key) == record.Null {
			continue
		}
		switch f.kind {
		case fieldInt:
			body[f.key] = rec.Int(f.key)
		case fieldFloat:
			body[f.key] = rec.Float(f.key)
		default:
			body[f.key] = rec.Str(f.key)
		}
	}
	return body
}
