package txmanager

import (
	"context"
	"fmt"

	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Repository is a generic CRUD repository bound to one BunResource. Inside
// a coordinated transaction every call runs on the connection bound to the
// resource; outside one it runs on the resource pool.
type Repository[T any] interface {
	Validator
	Resource() *BunResource
	Handlers() ModelHandlers[T]
	Raw(ctx context.Context, sql string, args ...any) ([]T, error)
	Get(ctx context.Context, criteria ...SelectCriteria) (T, error)
	GetByID(ctx context.Context, id string, criteria ...SelectCriteria) (T, error)
	GetByIdentifier(ctx context.Context, identifier string, criteria ...SelectCriteria) (T, error)
	List(ctx context.Context, criteria ...SelectCriteria) ([]T, int, error)
	Count(ctx context.Context, criteria ...SelectCriteria) (int, error)
	Create(ctx context.Context, record T) (T, error)
	Update(ctx context.Context, record T, criteria ...UpdateCriteria) (T, error)
	Upsert(ctx context.Context, record T, criteria ...UpdateCriteria) (T, error)
	Delete(ctx context.Context, record T) error
	DeleteWhere(ctx context.Context, criteria ...DeleteCriteria) error
}

type ModelHandlers[T any] struct {
	NewRecord          func() T
	GetID              func(T) uuid.UUID
	SetID              func(T, uuid.UUID)
	GetIdentifier      func() string
	GetIdentifierValue func(T) string
}

type repo[T any] struct {
	resource *BunResource
	handlers ModelHandlers[T]
}

func NewRepository[T any](resource *BunResource, handlers ModelHandlers[T]) (Repository[T], error) {
	r := &repo[T]{resource: resource, handlers: handlers}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func MustNewRepository[T any](resource *BunResource, handlers ModelHandlers[T]) Repository[T] {
	r, err := NewRepository(resource, handlers)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *repo[T]) Validate() error {
	var fieldErrors []errors.FieldError
	if r.resource == nil || r.resource.db == nil {
		fieldErrors = append(fieldErrors, errors.FieldError{Field: "resource", Message: "a resource with a database is required"})
	}
	if r.handlers.NewRecord == nil {
		fieldErrors = append(fieldErrors, errors.FieldError{Field: "handlers.NewRecord", Message: "required"})
	}
	if r.handlers.GetID == nil {
		fieldErrors = append(fieldErrors, errors.FieldError{Field: "handlers.GetID", Message: "required"})
	}
	if r.handlers.SetID == nil {
		fieldErrors = append(fieldErrors, errors.FieldError{Field: "handlers.SetID", Message: "required"})
	}
	if r.handlers.GetIdentifier == nil {
		fieldErrors = append(fieldErrors, errors.FieldError{Field: "handlers.GetIdentifier", Message: "required"})
	}
	if len(fieldErrors) > 0 {
		return errors.NewValidation("Invalid repository configuration", fieldErrors...)
	}
	return nil
}

func (r *repo[T]) MustValidate() {
	if err := r.Validate(); err != nil {
		panic(err)
	}
}

func (r *repo[T]) Resource() *BunResource { return r.resource }

func (r *repo[T]) Handlers() ModelHandlers[T] { return r.handlers }

// idb resolves the handle for ctx. The returned context carries the
// advisory timeout of the bound transaction, if any.
func (r *repo[T]) idb(ctx context.Context) (context.Context, context.CancelFunc, bun.IDB, error) {
	conn, ok := ConnectionForResource(ctx, r.resource)
	if !ok {
		return ctx, func() {}, r.resource.db, nil
	}
	bc, ok := conn.(*BunConnection)
	if !ok {
		return nil, nil, nil, errors.New(
			fmt.Sprintf("Connection bound to resource %s is %T, not a bun connection", r.resource.name, conn),
			CategoryTransactionState,
		)
	}
	db, err := bc.IDB(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	cancel := func() {}
	if timeout := bc.Timeout(); timeout > 0 {
		if _, has := ctx.Deadline(); !has {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
	}
	return ctx, cancel, db, nil
}

func (r *repo[T]) run(ctx context.Context, fn func(ctx context.Context, db bun.IDB) error) error {
	ctx, cancel, db, err := r.idb(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return fn(ctx, db)
}

func (r *repo[T]) Raw(ctx context.Context, sql string, args ...any) ([]T, error) {
	records := []T{}
	err := r.run(ctx, func(ctx context.Context, db bun.IDB) error {
		return db.NewRaw(sql, args...).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo[T]) Get(ctx context.Context, criteria ...SelectCriteria) (T, error) {
	record := r.handlers.NewRecord()
	err := r.run(ctx, func(ctx context.Context, db bun.IDB) error {
		q := db.NewSelect().Model(record)
		for _, c := range criteria {
			q.Apply(c)
		}
		return q.Limit(1).Scan(ctx)
	})
	if err != nil {
		var zero T
		return zero, wrapNotFound(err)
	}
	return record, nil
}

func (r *repo[T]) GetByID(ctx context.Context, id string, criteria ...SelectCriteria) (T, error) {
	criteria = append([]SelectCriteria{SelectByID(id)}, criteria...)
	return r.Get(ctx, criteria...)
}

func (r *repo[T]) GetByIdentifier(ctx context.Context, identifier string, criteria ...SelectCriteria) (T, error) {
	column, ok := normalizeSQLIdentifier(r.handlers.GetIdentifier())
	if !ok {
		var zero T
		return zero, errors.New("Invalid identifier column", errors.CategoryBadInput)
	}
	criteria = append(criteria, func(q *bun.SelectQuery) *bun.SelectQuery {
		if isUUID(identifier) && column != "id" {
			return q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				return q.Where("?TableAlias.id = ?", identifier).
					WhereOr(fmt.Sprintf("?TableAlias.%s = ?", column), identifier)
			})
		}
		return q.Where(fmt.Sprintf("?TableAlias.%s = ?", column), identifier)
	})
	return r.Get(ctx, criteria...)
}

func (r *repo[T]) List(ctx context.Context, criteria ...SelectCriteria) ([]T, int, error) {
	records := []T{}
	var total int
	err := r.run(ctx, func(ctx context.Context, db bun.IDB) error {
		q := db.NewSelect().Model(&records)
		for _, c := range criteria {
			q.Apply(c)
		}
		var err error
		total, err = q.ScanAndCount(ctx)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (r *repo[T]) Count(ctx context.Context, criteria ...SelectCriteria) (int, error) {
	var total int
	err := r.run(ctx, func(ctx context.Context, db bun.IDB) error {
		q := db.NewSelect().Model(r.handlers.NewRecord())
		for _, c := range criteria {
			q.Apply(c)
		}
		var err error
		total, err = q.Count(ctx)
		return err
	})
	return total, err
}

func (r *repo[T]) Create(ctx context.Context, record T) (T, error) {
	if r.handlers.GetID(record) == uuid.Nil {
		r.handlers.SetID(record, uuid.New())
	}
	err := r.run(ctx, func(ctx context.Context, db bun.IDB) error {
		_, err := db.NewInsert().Model(record).Returning("*").Exec(ctx)
		return err
	})
	return record, err
}

func (r *repo[T]) Update(ctx context.Context, record T, criteria ...UpdateCriteria) (T, error) {
	err := r.run(ctx, func(ctx context.Context, db bun.IDB) error {
		q := db.NewUpdate().Model(record)
		for _, c := range criteria {
			q.Apply(c)
		}
		res, err := q.OmitZero().WherePK().Exec(ctx)
		if err != nil {
			return err
		}
		return SQLExpectedCount(res, 1)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return record, nil
}

func (r *repo[T]) Upsert(ctx context.Context, record T, criteria ...UpdateCriteria) (T, error) {
	var lookup string
	if r.handlers.GetIdentifierValue != nil {
		lookup = r.handlers.GetIdentifierValue(record)
	}
	if lookup == "" {
		lookup = r.handlers.GetID(record).String()
	}

	existing, err := r.GetByIdentifier(ctx, lookup)
	if err == nil {
		r.handlers.SetID(record, r.handlers.GetID(existing))
		return r.Update(ctx, record, criteria...)
	}
	if !IsRecordNotFound(err) {
		var zero T
		return zero, err
	}
	return r.Create(ctx, record)
}

func (r *repo[T]) Delete(ctx context.Context, record T) error {
	return r.run(ctx, func(ctx context.Context, db bun.IDB) error {
		_, err := db.NewDelete().Model(record).WherePK().Exec(ctx)
		return err
	})
}

func (r *repo[T]) DeleteWhere(ctx context.Context, criteria ...DeleteCriteria) error {
	return r.run(ctx, func(ctx context.Context, db bun.IDB) error {
		q := db.NewDelete().Model(r.handlers.NewRecord())
		for _, c := range criteria {
			q = c(q)
		}
		_, err := q.Exec(ctx)
		return err
	})
}
