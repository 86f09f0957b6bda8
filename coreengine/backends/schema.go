package backends

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendSQL   = "sql"
	BackendNoSQL = "nosql"
)

// Field is one column or document field.
type Field struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Entity is a table or collection.
type Entity struct {
	Name    string  `yaml:"name" json:"name"`
	Purpose string  `yaml:"purpose" json:"purpose"`
	Fields  []Field `yaml:"fields" json:"fields"`
}

// Example is a natural-language question and its native translation.
type Example struct {
	Question string `yaml:"question" json:"question"`
	Query    string `yaml:"query" json:"query"`
}

// SchemaDescription describes one backend's data for prompts and technical
// answers. Descriptions are loaded once at startup and never mutated.
type SchemaDescription struct {
	Backend       string    `yaml:"backend" json:"backend"`
	Dialect       string    `yaml:"dialect" json:"dialect"` // postgres, mysql or mongodb
	Database      string    `yaml:"database" json:"database"`
	Entities      []Entity  `yaml:"entities" json:"entities"`
	Relationships []string  `yaml:"relationships,omitempty" json:"relationships,omitempty"`
	Examples      []Example `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// EntityNames returns the table or collection names.
func (s *SchemaDescription) EntityNames() []string {
	names := make([]string, len(s.Entities))
	for i, e := range s.Entities {
		names[i] = e.Name
	}
	return names
}

// Summary lists entities with their purposes, one per line.
func (s *SchemaDescription) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s database %q):\n", s.Backend, s.Dialect, s.Database)
	for _, e := range s.Entities {
		fmt.Fprintf(&b, "  - %s: %s\n", e.Name, e.Purpose)
	}
	return b.String()
}

// Render is the full prompt context: entities, fields, relationships and
// example translations.
func (s *SchemaDescription) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s (%s)\n", s.Database, s.Dialect)
	for _, e := range s.Entities {
		fmt.Fprintf(&b, "\n%s: %s\n", e.Name, e.Purpose)
		for _, f := range e.Fields {
			if f.Description != "" {
				fmt.Fprintf(&b, "  %s %s -- %s\n", f.Name, f.Type, f.Description)
			} else {
				fmt.Fprintf(&b, "  %s %s\n", f.Name, f.Type)
			}
		}
	}
	if len(s.Relationships) > 0 {
		b.WriteString("\nRelationships:\n")
		for _, r := range s.Relationships {
			fmt.Fprintf(&b, "  - %s\n", r)
		}
	}
	if len(s.Examples) > 0 {
		b.WriteString("\nExamples:\n")
		for _, ex := range s.Examples {
			fmt.Fprintf(&b, "  Q: %s\n  A: %s\n", ex.Question, ex.Query)
		}
	}
	return b.String()
}

// Catalog holds the schema description of every backend.
type Catalog struct {
	schemas map[string]*SchemaDescription
}

// NewCatalog builds a catalog from descriptions.
func NewCatalog(schemas ...*SchemaDescription) *Catalog {
	c := &Catalog{schemas: make(map[string]*SchemaDescription, len(schemas))}
	for _, s := range schemas {
		c.schemas[s.Backend] = s
	}
	return c
}

// Get returns the description for backend.
func (c *Catalog) Get(backend string) (*SchemaDescription, bool) {
	s, ok := c.schemas[backend]
	return s, ok
}

// Backends returns backend names in sorted order.
func (c *Catalog) Backends() []string {
	names := make([]string, 0, len(c.schemas))
	for name := range c.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type catalogFile struct {
	Schemas []*SchemaDescription `yaml:"schemas"`
}

// LoadCatalog returns the built-in catalog with any backends described in
// the YAML file at path replacing their defaults.
func LoadCatalog(path string, sqlDialect string) (*Catalog, error) {
	c := DefaultCatalog(sqlDialect)
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", path, err)
	}
	for _, s := range f.Schemas {
		if s.Backend == "" {
			return nil, fmt.Errorf("schema file %s: entry without backend", path)
		}
		if len(s.Entities) == 0 {
			return nil, fmt.Errorf("schema file %s: backend %s has no entities", path, s.Backend)
		}
		c.schemas[s.Backend] = s
	}
	return c, nil
}

// DefaultCatalog returns the built-in descriptions of the employees
// database and the grocery_warehouse document store.
func DefaultCatalog(sqlDialect string) *Catalog {
	if sqlDialect == "" {
		sqlDialect = "postgres"
	}
	return NewCatalog(employeesSchema(sqlDialect), warehouseSchema())
}

func employeesSchema(dialect string) *SchemaDescription {
	return &SchemaDescription{
		Backend:  BackendSQL,
		Dialect:  dialect,
		Database: "employees",
		Entities: []Entity{
			{
				Name:    "departments",
				Purpose: "organizational units with location and budget",
				Fields: []Field{
					{Name: "department_id", Type: "integer", Description: "primary key"},
					{Name: "department_name", Type: "text"},
					{Name: "location", Type: "text"},
					{Name: "budget", Type: "numeric"},
				},
			},
			{
				Name:    "employees",
				Purpose: "staff records with salary, position and reporting line",
				Fields: []Field{
					{Name: "employee_id", Type: "integer", Description: "primary key"},
					{Name: "first_name", Type: "text"},
					{Name: "last_name", Type: "text"},
					{Name: "email", Type: "text"},
					{Name: "phone", Type: "text"},
					{Name: "hire_date", Type: "date"},
					{Name: "salary", Type: "numeric"},
					{Name: "department_id", Type: "integer", Description: "references departments"},
					{Name: "manager_id", Type: "integer", Description: "references employees"},
					{Name: "position", Type: "text"},
					{Name: "status", Type: "text", Description: "active or inactive"},
				},
			},
			{
				Name:    "projects",
				Purpose: "department projects with budget, dates and project manager",
				Fields: []Field{
					{Name: "project_id", Type: "integer", Description: "primary key"},
					{Name: "project_name", Type: "text"},
					{Name: "description", Type: "text"},
					{Name: "start_date", Type: "date"},
					{Name: "end_date", Type: "date"},
					{Name: "budget", Type: "numeric"},
					{Name: "status", Type: "text"},
					{Name: "department_id", Type: "integer", Description: "references departments"},
					{Name: "project_manager_id", Type: "integer", Description: "references employees"},
				},
			},
			{
				Name:    "employee_projects",
				Purpose: "assignments of employees to projects with role and hours",
				Fields: []Field{
					{Name: "assignment_id", Type: "integer", Description: "primary key"},
					{Name: "employee_id", Type: "integer"},
					{Name: "project_id", Type: "integer"},
					{Name: "role", Type: "text"},
					{Name: "hours_allocated", Type: "integer"},
				},
			},
			{
				Name:    "attendance",
				Purpose: "daily check-in and check-out records",
				Fields: []Field{
					{Name: "attendance_id", Type: "integer", Description: "primary key"},
					{Name: "employee_id", Type: "integer"},
					{Name: "date", Type: "date"},
					{Name: "check_in_time", Type: "time"},
					{Name: "check_out_time", Type: "time"},
					{Name: "hours_worked", Type: "numeric"},
					{Name: "status", Type: "text", Description: "present, absent, late or remote"},
				},
			},
		},
		Relationships: []string{
			"employees.department_id -> departments.department_id",
			"employees.manager_id -> employees.employee_id",
			"projects.department_id -> departments.department_id",
			"employee_projects.employee_id -> employees.employee_id",
			"employee_projects.project_id -> projects.project_id",
			"attendance.employee_id -> employees.employee_id",
		},
		Examples: []Example{
			{
				Question: "Show all employees in Engineering",
				Query:    "SELECT e.* FROM employees e JOIN departments d ON e.department_id = d.department_id WHERE d.department_name = 'Engineering' LIMIT 50",
			},
			{
				Question: "What is the average salary per department?",
				Query:    "SELECT d.department_name, AVG(e.salary) AS avg_salary FROM employees e JOIN departments d ON e.department_id = d.department_id GROUP BY d.department_name",
			},
			{
				Question: "Which projects are still active?",
				Query:    "SELECT project_name, start_date, budget FROM projects WHERE status = 'active' LIMIT 50",
			},
		},
	}
}

func warehouseSchema() *SchemaDescription {
	return &SchemaDescription{
		Backend:  BackendNoSQL,
		Dialect:  "mongodb",
		Database: "grocery_warehouse",
		Entities: []Entity{
			{
				Name:    "products",
				Purpose: "product catalog with category, brand, pricing and supplier",
				Fields: []Field{
					{Name: "product_id", Type: "string"},
					{Name: "name", Type: "string"},
					{Name: "category", Type: "string"},
					{Name: "subcategory", Type: "string"},
					{Name: "brand", Type: "string"},
					{Name: "pricing.cost_price", Type: "double"},
					{Name: "pricing.selling_price", Type: "double"},
					{Name: "supplier_info.supplier_name", Type: "string"},
					{Name: "supplier_info.region", Type: "string"},
				},
			},
			{
				Name:    "inventory",
				Purpose: "stock levels and batches per warehouse location",
				Fields: []Field{
					{Name: "inventory_id", Type: "string"},
					{Name: "product_id", Type: "string", Description: "references products"},
					{Name: "warehouse_location.zone", Type: "string"},
					{Name: "stock_levels.current_stock", Type: "int"},
					{Name: "stock_levels.reorder_point", Type: "int"},
					{Name: "batch_info", Type: "array", Description: "batch_id, quantity, expiry_date"},
				},
			},
			{
				Name:    "orders",
				Purpose: "customer orders with line items and the handling employee",
				Fields: []Field{
					{Name: "order_id", Type: "string"},
					{Name: "customer_info.name", Type: "string"},
					{Name: "employee_info.employee_id", Type: "int", Description: "matches employees.employee_id in the SQL store"},
					{Name: "employee_info.employee_name", Type: "string"},
					{Name: "items", Type: "array", Description: "product_id, quantity, unit_price"},
					{Name: "order_summary.total_amount", Type: "double"},
					{Name: "status", Type: "string"},
					{Name: "order_date", Type: "date"},
				},
			},
			{
				Name:    "employees",
				Purpose: "warehouse copy of staff records",
				Fields: []Field{
					{Name: "employee_id", Type: "int"},
					{Name: "first_name", Type: "string"},
					{Name: "last_name", Type: "string"},
					{Name: "department_name", Type: "string"},
					{Name: "position", Type: "string"},
				},
			},
		},
		Relationships: []string{
			"inventory.product_id -> products.product_id",
			"orders.items.product_id -> products.product_id",
			"orders.employee_info.employee_id -> employees.employee_id (SQL)",
		},
		Examples: []Example{
			{
				Question: "List all fruit products",
				Query:    `{"collection": "products", "query": {"category": "Fruits"}, "limit": 50}`,
			},
			{
				Question: "Which products are below their reorder point?",
				Query:    `{"collection": "inventory", "pipeline": [{"$match": {"$expr": {"$lt": ["$stock_levels.current_stock", "$stock_levels.reorder_point"]}}}]}`,
			},
			{
				Question: "Total order value per employee",
				Query:    `{"collection": "orders", "pipeline": [{"$group": {"_id": "$employee_info.employee_id", "total": {"$sum": "$order_summary.total_amount"}}}]}`,
			},
		},
	}
}
