package legacystore

import "context"

// Schema is the subset of the ERP schema the engine touches, in portable
// SQL. The ERP owns these tables in production; tests and local sandboxes
// create them from here.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS terceros (
		id_n      VARCHAR(20) PRIMARY KEY,
		nit       VARCHAR(30),
		nombre    VARCHAR(120) NOT NULL,
		direccion VARCHAR(120),
		ciudad    VARCHAR(60),
		telefono  VARCHAR(40),
		email     VARCHAR(120),
		cliente   CHAR(1) DEFAULT 'N',
		proveedor CHAR(1) DEFAULT 'N',
		empleado  CHAR(1) DEFAULT 'N',
		version   BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS terceros_sucursales (
		id_n      VARCHAR(20) NOT NULL,
		sucursal  INTEGER NOT NULL,
		direccion VARCHAR(120),
		ciudad    VARCHAR(60),
		principal CHAR(1) DEFAULT 'S',
		PRIMARY KEY (id_n, sucursal)
	)`,
	`CREATE TABLE IF NOT EXISTS cuentas (
		acct        VARCHAR(20) PRIMARY KEY,
		descripcion VARCHAR(120),
		naturaleza  CHAR(1),
		nivel       INTEGER,
		activa      CHAR(1) DEFAULT 'S',
		tercero     CHAR(1) DEFAULT 'N',
		version     BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS productos (
		codigo      VARCHAR(30) PRIMARY KEY,
		descripcion VARCHAR(120),
		unidad      VARCHAR(10),
		precio      DECIMAL(18, 2),
		iva         DECIMAL(7, 4),
		activo      CHAR(1) DEFAULT 'S',
		version     BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS documentos (
		tipo        VARCHAR(5) NOT NULL,
		batch       BIGINT NOT NULL,
		id_n        VARCHAR(20) NOT NULL,
		fecha       DATE NOT NULL,
		total       DECIMAL(18, 2) NOT NULL,
		descripcion VARCHAR(255),
		referencia  VARCHAR(64),
		usuario     VARCHAR(30),
		PRIMARY KEY (tipo, batch)
	)`,
	`CREATE TABLE IF NOT EXISTS documentos_lineas (
		tipo        VARCHAR(5) NOT NULL,
		batch       BIGINT NOT NULL,
		linea       INTEGER NOT NULL,
		acct        VARCHAR(20) NOT NULL,
		id_n        VARCHAR(20) NOT NULL,
		debito      DECIMAL(18, 2) NOT NULL,
		credito     DECIMAL(18, 2) NOT NULL,
		descripcion VARCHAR(255),
		PRIMARY KEY (tipo, batch, linea)
	)`,
	`CREATE TABLE IF NOT EXISTS consecutivos (
		tipo      VARCHAR(5) PRIMARY KEY,
		siguiente BIGINT NOT NULL
	)`,
}

// EnsureSchema creates the ERP tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
