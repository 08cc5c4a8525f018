// Package domain turns StorageConnect tracking records into validated point
// features.
//
// # Data Source
//
// StorageConnect is a GPS tracking app whose server exports collected fixes
// as a single JSON document. The export groups fixes into packets, one per
// upload from a phone:
//
//	{"packets": [
//	  {"user_id": "u1",
//	   "longitude": ["-2,2345", "-2,2346"],
//	   "latitude":  ["53,4668", "53,4669"],
//	   "timestamp": ["2022-04-19 16:23:09", "2022-04-19 16:23:39"],
//	   "accuracy":  ["12", "9"],
//	   "device_details": "Pixel 4a / Android 12"}
//	]}
//
// The per-fix arrays are parallel: index i of every array describes fix i.
// Scalars such as user_id and device_details apply to every fix in the
// packet. Each fix becomes one [RawRecord]; the layout is described by a
// versioned [schema.Schema] so other exports can be read as well.
//
// # Vendor Conventions
//
// Coordinates:
//
//	Usually strings, sometimes with a decimal comma ("53,4668") depending on
//	the phone locale. Plain JSON numbers are accepted too.
//	Devices report 0,0 or wildly wrong values on cold start; anything outside
//	[-180,180] x [-90,90] is rejected, and schemas may reject 0,0 as well.
//
// Timestamps:
//
//	ISO-like strings, with a "T" or a space between date and time, with or
//	without a zone offset. Strings without an offset are read in the schema
//	time zone (UTC for StorageConnect). Numeric values are Unix epochs in
//	seconds, or milliseconds when they are too large to be seconds.
//
// # Rejection
//
// A record that fails any check is never partially kept. It is counted and
// returned as a [Rejection] carrying the unmodified record and a [Reason], so
// format drift can be diagnosed from the debug output.
package domain
