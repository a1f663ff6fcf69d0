// Package config provides the configuration for clearmap production runs.
//
// A single Config structure names the relations to extract, the connection
// parameters of each database, the tile builder invocation, the output
// directory and the retry policy. Files are YAML with ${VAR_NAME}
// environment substitution, decoded on top of Default so absent keys keep
// their production values.
//
// # Usage
//
//	cfg := config.Default()
//	if err := config.Load("config/clearmap.yaml", cfg); err != nil {
//		log.Fatal(err)
//	}
//	cfg.ApplyDefaults()
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// # Relations
//
// Relations are written "<database>::<schema>::<table>". Every database named
// by a relation needs an entry under connections:
//
//	relations:
//	  - gis::public::roads
//	connections:
//	  gis:
//	    host: ${PGHOST}
//	    user: ${PGUSER}
//	    password: ${PGPASSWORD}
//
// # Computed columns
//
// computed_columns maps a table name to the derived geometry measures selected
// alongside its ordinary columns. "area" selects ST_Area(geom) AS areacalc and
// "length" selects ST_Length(geom) AS lengthcalc.
package config
