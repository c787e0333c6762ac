package domain

// LegacyParty is a row of the ERP terceros table.
type LegacyParty struct {
	IDN       string `gorm:"column:id_n"`
	Nit       string `gorm:"column:nit"`
	Nombre    string `gorm:"column:nombre"`
	Direccion string `gorm:"column:direccion"`
	Ciudad    string `gorm:"column:ciudad"`
	Telefono  string `gorm:"column:telefono"`
	Email     string `gorm:"column:email"`
	Cliente   string `gorm:"column:cliente"`
	Proveedor string `gorm:"column:proveedor"`
	Empleado  string `gorm:"column:empleado"`
	Version   *int64 `gorm:"column:version"`
}

// LegacyAccount is a row of the ERP cuentas table.
type LegacyAccount struct {
	Acct        string `gorm:"column:acct"`
	Descripcion string `gorm:"column:descripcion"`
	Naturaleza  string `gorm:"column:naturaleza"`
	Nivel       int    `gorm:"column:nivel"`
	Activa      string `gorm:"column:activa"`
	Tercero     string `gorm:"column:tercero"`
	Version     *int64 `gorm:"column:version"`
}

// LegacyProduct is a row of the ERP productos table.
type LegacyProduct struct {
	Codigo      string   `gorm:"column:codigo"`
	Descripcion string   `gorm:"column:descripcion"`
	Unidad      string   `gorm:"column:unidad"`
	Precio      *float64 `gorm:"column:precio"`
	Iva         *float64 `gorm:"column:iva"`
	Activo      string   `gorm:"column:activo"`
	Version     *int64   `gorm:"column:version"`
}
