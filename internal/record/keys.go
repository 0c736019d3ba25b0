package record

// Data type tags. Every record carries exactly one under KeyDataType.
const (
	TypeVehicle2K    = "vehicle_2k"
	TypeVehicle4K    = "vehicle_4k"
	TypeVehicleRaw4K = "vehicle_raw_4k"
	TypeMerge        = "merge"
	TypePed          = "ped"

	TypeApproachStats     = "approach_stats"
	TypeTurnTypesStats    = "turn_types_stats"
	TypeLanesStats        = "lanes_stats"
	TypeVehicleTypesStats = "vehicle_types_stats"

	TypeApproachQueue = "approach_queue"
	TypeLanesQueue    = "lanes_queue"

	TypeIncidentStart = "incident_start"
	TypeIncidentEnd   = "incident_end"

	TypeSqliteStraight = "sqlite_st"
	TypeSqliteLeft     = "sqlite_lt"
	TypeSqliteRight    = "sqlite_rt"

	TypePresenceVehicle  = "presence_vh"
	TypePresenceWait     = "presence_wait"
	TypePresenceCrossing = "presence_cross"
)

// Field keys shared by the router, merger, OCR stage and sender.
const (
	KeyDataType       = "data_type"
	KeyUniqueKey      = "unique_key"
	KeyUniqueKeyPlain = "unique_key_plain"
	KeyCameraID       = "camera_id"
	KeyObjectID       = "object_id"

	KeyCarID2K      = "car_id_2k"
	KeyCarID4K      = "car_id_4k"
	KeyCarID        = "car_id"
	KeyVehicleClass = "vehicle_class"
	KeyLaneNo       = "lane_no"
	KeyTurnTypeCd   = "turn_type_cd"
	KeyTurnTime     = "turn_time"
	KeyTurnSpeed    = "turn_speed"
	KeyStopPassTime = "stop_pass_time"
	KeyStopSpeed    = "stop_speed"
	KeyIntvlSpeed   = "interval_speed"
	KeyFirstDetTime = "first_det_time"
	KeyObserveTime  = "observe_time"

	KeyImagePathName     = "image_path_name"
	KeyImageFileName     = "image_file_name"
	KeyCarImageFileName  = "car_image_file_name"
	KeyPlateImageName    = "plate_image_file_name"
	KeyImageFile         = "image_file" // resolved local path, set by prepare
	KeyImageBytes        = "image_bytes"
	KeyPlateImageBytes   = "plate_image_bytes"
	KeyPlateNum          = "plate_num"
	KeyPlateDetected     = "plate_detected"

	KeyTraceID     = "trace_id"
	KeyDetTime     = "det_time"
	KeyDirectionCd = "direction_cd"

	KeyHrTypeCd      = "hr_type_cd"
	KeyStatsStart    = "stats_start_time"
	KeyStatsEnd      = "stats_end_time"
	KeyRemainQueue   = "remain_queue_len"
	KeyMaxQueue      = "max_queue_len"
	KeyOccupancy     = "occupancy_rate"
	KeyTotalTravel   = "total_travel"
	KeyAvgStopSpeed  = "avg_stop_speed"
	KeyAvgIntvlSpeed = "avg_interval_speed"
	KeyAvgDensity    = "avg_density"
	KeyMinDensity    = "min_density"
	KeyMaxDensity    = "max_density"
	KeyAvgLaneOccup  = "avg_lane_occupancy"
	KeyCreateTime    = "crt_unix_tm"

	KeyIncidentStart = "incident_start_time"
	KeyIncidentProc  = "incident_proc_time"
	KeyIncidentEnd   = "incident_end_time"
	KeyIncidentType  = "incident_type_cd"

	KeyPresenceState = "presence_state"

	// Internal bookkeeping keys. These travel with the record through the
	// spool, so they are plain map keys rather than sidecar struct fields.
	KeySentTo    = "sent_to"
	KeySendTo    = "_send_to"
	KeyPrepared  = "_prepared"
	KeyRemoteDir = "_remote_dir"
)

// Sentinels used across the pipeline.
const (
	Null = "NULL"

	NoPlate = "N_PLATE"
	NoOCR   = "N_OCR"
	NoImage = "N_IMAGE"

	PlateYes = "Y"
	PlateNo  = "N"

	// DestUpload is the pseudo-destination tracking image upload success.
	DestUpload = "API"
)

// Turn type codes carried on vehicle records.
const (
	TurnStraight = "11"
	TurnLeft     = "21"
	TurnRight    = "31"
	TurnUTurn    = "41"
)

// ClassMotorcycle skips plate detection in the OCR stage.
const ClassMotorcycle = "MOTOR"
